// Package diag renders a match report for a human: it decodes the faulting
// AArch64 word to its mnemonic and colorizes the master/apprentice mismatch
// columns, the way a live disassembly view might do for its own
// trace output, but over risu's fixed two-column register diff rather than
// arbitrary assembly source, so a lighter style-based renderer fits better
// than a full lexer/formatter pipeline.
package diag

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/arch/arm64/arm64asm"
)

var (
	matchStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	mismatchStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	headerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// Disassemble decodes a faulting AArch64 word to its mnemonic, for a
// verbose dump line like "mismatch on regs! (insn: UDF #0x... )". Markers
// are deliberately undefined encodings, so decode failure is expected and
// reported as "<undefined>" rather than an error.
func Disassemble(word uint32) string {
	var buf [4]byte
	buf[0] = byte(word)
	buf[1] = byte(word >> 8)
	buf[2] = byte(word >> 16)
	buf[3] = byte(word >> 24)
	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		return "<undefined>"
	}
	return inst.String()
}

// Render colorizes a match report's lines for a terminal: "match!" in
// green, "mismatch"/"packet mismatch" lines in bold red, section headers
// ("master reginfo:", "apprentice reginfo:") in cyan, everything else
// unstyled.
func Render(lines []string) string {
	var b strings.Builder
	for _, line := range lines {
		switch {
		case strings.Contains(line, "match!"):
			b.WriteString(matchStyle.Render(line))
		case strings.Contains(line, "mismatch"):
			b.WriteString(mismatchStyle.Render(line))
		case strings.HasSuffix(line, "reginfo:") || line == "match status...":
			b.WriteString(headerStyle.Render(line))
		default:
			b.WriteString(line)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderMismatchWord annotates a raw faulting-instruction hex word with its
// decoded mnemonic, for --verbose dumps.
func RenderMismatchWord(word uint32) string {
	return fmt.Sprintf("%08x (%s)", word, Disassemble(word))
}
