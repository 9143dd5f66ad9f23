package orchestrator

import "strings"

// ExtractPatches finds fenced ```diff or ```patch code blocks in text and
// returns their contents in order of appearance.
//
// By design there is no heuristic fallback that guesses at a patch from
// prose or indentation. An agent that wants its edits applied MUST emit a
// fenced diff/patch block; anything else is left as plain text in the
// response.
func ExtractPatches(text string) []string {
	var patches []string
	lines := strings.Split(text, "\n")
	var inBlock bool
	var block strings.Builder
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if trimmed == "```diff" || trimmed == "```patch" {
				inBlock = true
				block.Reset()
			}
			continue
		}
		if trimmed == "```" {
			inBlock = false
			patches = append(patches, block.String())
			continue
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
	return patches
}
