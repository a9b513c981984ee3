package directive

import (
	"strings"
)

// BuildPrompt assembles a directive's rendered instruction text: an
// opening <directive> tag carrying whatever of name/description are
// present, the synthesized permissions block, the (already
// ceiling-trimmed, by the caller) body, an auto-generated
// structured-output instruction block when outputs are declared, and a
// closing tag. Grounded on _build_prompt.
func BuildPrompt(d Directive, body string) string {
	var b strings.Builder

	hasName := d.ID != ""
	hasDesc := d.Description != ""
	opened := hasName || hasDesc

	switch {
	case hasName && hasDesc:
		b.WriteString("<directive name=\"")
		b.WriteString(d.ID)
		b.WriteString("\">\n<description>")
		b.WriteString(d.Description)
		b.WriteString("</description>\n")
	case hasName:
		b.WriteString("<directive name=\"")
		b.WriteString(d.ID)
		b.WriteString("\">\n")
	case hasDesc:
		b.WriteString("<directive>\n<description>")
		b.WriteString(d.Description)
		b.WriteString("</description>\n")
	}

	if perms := permissionsBlock(d.Permissions); perms != "" {
		b.WriteString(perms)
		b.WriteString("\n")
	}

	b.WriteString(body)

	if len(d.Outputs) > 0 {
		b.WriteString("\n\n")
		b.WriteString(outputInstructions(d.Outputs))
	}

	if opened {
		b.WriteString("\n</directive>")
	}

	return b.String()
}

// outputInstructions renders the instruction telling the model to call
// the structured-return tool with the directive's declared output
// fields, plus the BLOCKED/error-return path.
func outputInstructions(fields []OutputField) string {
	var b strings.Builder
	b.WriteString("When you have completed this task, call directive_return with the following fields:\n")
	for _, f := range fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		b.WriteString("- ")
		b.WriteString(f.Name)
		b.WriteString(" (")
		b.WriteString(f.Type)
		b.WriteString(", ")
		b.WriteString(req)
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("If you cannot complete the task, call directive_return with success=false and an error message describing why.")
	return b.String()
}
