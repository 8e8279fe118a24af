package merge

import "strings"

// ChangeType classifies one line-level difference.
type ChangeType string

const (
	// ChangeAddition marks a line present on the incoming side only.
	ChangeAddition ChangeType = "addition"
	// ChangeDeletion marks a line present on the current side only.
	ChangeDeletion ChangeType = "deletion"
	// ChangeModification marks a line that differs on both sides.
	ChangeModification ChangeType = "modification"
)

// LineChange records one differing line. Line numbers are 1-based positions
// in the index-aligned comparison.
type LineChange struct {
	Line     int
	Type     ChangeType
	Current  string
	Incoming string
}

// Section groups adjacent changed lines with per-kind tallies.
type Section struct {
	StartLine     int
	EndLine       int
	Changes       []LineChange
	Additions     int
	Deletions     int
	Modifications int
}

// Summary is the result of comparing two documents line by line.
type Summary struct {
	HasConflicts  bool
	Additions     int
	Deletions     int
	Modifications int
	Sections      []Section
	Conflicts     []Section
}

// Diff compares current against incoming content positionally: line i of one
// side is matched with line i of the other, with no sliding alignment. A line
// missing or empty on one side counts as an addition or deletion; differing
// non-empty lines are modifications and the potential conflicts.
func Diff(current, incoming string) Summary {
	currentLines := splitLines(current)
	incomingLines := splitLines(incoming)

	total := len(currentLines)
	if len(incomingLines) > total {
		total = len(incomingLines)
	}

	var changes []LineChange
	for index := 0; index < total; index++ {
		currentLine, hasCurrent := lineAt(currentLines, index)
		incomingLine, hasIncoming := lineAt(incomingLines, index)
		if currentLine == incomingLine && hasCurrent && hasIncoming {
			continue
		}

		change := LineChange{Line: index + 1, Current: currentLine, Incoming: incomingLine}
		switch {
		case (!hasCurrent || currentLine == "") && hasIncoming && incomingLine != "":
			change.Type = ChangeAddition
		case (!hasIncoming || incomingLine == "") && hasCurrent && currentLine != "":
			change.Type = ChangeDeletion
		case currentLine != incomingLine:
			change.Type = ChangeModification
		default:
			continue
		}
		changes = append(changes, change)
	}

	summary := Summary{Sections: groupSections(changes)}
	for _, section := range summary.Sections {
		summary.Additions += section.Additions
		summary.Deletions += section.Deletions
		summary.Modifications += section.Modifications
		if section.Modifications > 0 {
			summary.Conflicts = append(summary.Conflicts, section)
		}
	}
	summary.HasConflicts = len(summary.Conflicts) > 0
	return summary
}

// groupSections folds runs of consecutive line numbers into sections.
func groupSections(changes []LineChange) []Section {
	var sections []Section
	for _, change := range changes {
		if len(sections) == 0 || change.Line != sections[len(sections)-1].EndLine+1 {
			sections = append(sections, Section{StartLine: change.Line, EndLine: change.Line})
		}
		section := &sections[len(sections)-1]
		section.EndLine = change.Line
		section.Changes = append(section.Changes, change)
		switch change.Type {
		case ChangeAddition:
			section.Additions++
		case ChangeDeletion:
			section.Deletions++
		case ChangeModification:
			section.Modifications++
		}
	}
	return sections
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func lineAt(lines []string, index int) (string, bool) {
	if index >= len(lines) {
		return "", false
	}
	return lines[index], true
}
