package fork

import (
	"strings"
	"testing"
)

func TestParseTagBasic(t *testing.T) {
	labels, err := ParseTag("- a\n- b\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 || labels[0] != "a" || labels[1] != "b" {
		t.Fatalf("unexpected labels: %#v", labels)
	}
}

func TestParseTagEmpty(t *testing.T) {
	labels, err := ParseTag("\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 0 {
		t.Fatalf("expected no labels, got %#v", labels)
	}
}

func TestComposeReintegrationMessageSuccess(t *testing.T) {
	msg := ComposeReintegrationMessage([]string{"Task A", "Task B"}, []taskResult{
		{text: "RA"},
		{text: "RB"},
	})
	if !strings.HasPrefix(msg, "<fork-results>") || !strings.HasSuffix(msg, "</fork-results>") {
		t.Fatalf("unexpected envelope: %q", msg)
	}
	if !strings.Contains(msg, `<task label="Task A">`) || !strings.Contains(msg, "<![CDATA[RA]]>") {
		t.Errorf("missing task A: %q", msg)
	}
	if !strings.Contains(msg, `<task label="Task B">`) || !strings.Contains(msg, "<![CDATA[RB]]>") {
		t.Errorf("missing task B: %q", msg)
	}
}

func TestComposeReintegrationMessageError(t *testing.T) {
	msg := ComposeReintegrationMessage([]string{"Bad"}, []taskResult{{err: "boom"}})
	if !strings.Contains(msg, `<task label="Bad" error="true">`) {
		t.Errorf("expected error attribute: %q", msg)
	}
	if !strings.Contains(msg, "<![CDATA[boom]]>") {
		t.Errorf("expected cdata body: %q", msg)
	}
}

func TestComposeReintegrationMessageEscapesLabel(t *testing.T) {
	msg := ComposeReintegrationMessage([]string{`Fix "quotes" & <tags>`}, []taskResult{{text: "done"}})
	if !strings.Contains(msg, `label="Fix &quot;quotes&quot; &amp; &lt;tags&gt;"`) {
		t.Errorf("expected escaped label: %q", msg)
	}
}

func TestComposeReintegrationMessagePreservesOriginalOrder(t *testing.T) {
	msg := ComposeReintegrationMessage([]string{"First", "Second", "Third"}, []taskResult{
		{text: "3rd finished first but is index 0? no"},
		{text: "second"},
		{text: "third"},
	})
	firstIdx := strings.Index(msg, "First")
	secondIdx := strings.Index(msg, "Second")
	thirdIdx := strings.Index(msg, "Third")
	if !(firstIdx < secondIdx && secondIdx < thirdIdx) {
		t.Fatalf("expected labels in original order, got %q", msg)
	}
}
