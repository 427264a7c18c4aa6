package proc

import (
	"strings"

	"github.com/andreittr/btrsync/model"
)

// ParsePipeline splits a user-supplied shell pipeline string like
// "zstd -T0 | pv" into its commands, honouring single quotes, double
// quotes, and backslash escapes. Only the pipe operator is understood;
// other shell syntax is treated literally.
func ParsePipeline(s string) (Pipeline, error) {
	var cmds []Cmd
	var argv []string
	var tok strings.Builder
	inTok := false

	flushTok := func() {
		if inTok {
			argv = append(argv, tok.String())
			tok.Reset()
			inTok = false
		}
	}
	flushCmd := func() error {
		flushTok()
		if len(argv) == 0 {
			return model.Configf("empty command in pipeline %q", s)
		}
		cmds = append(cmds, Command(argv[0], argv[1:]...))
		argv = nil
		return nil
	}

	i := 0
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, model.Configf("unterminated quote in pipeline %q", s)
			}
			tok.WriteString(s[i+1 : i+1+end])
			inTok = true
			i += end + 2
		case ch == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				tok.WriteByte(s[j])
				j++
			}
			if j >= len(s) {
				return nil, model.Configf("unterminated quote in pipeline %q", s)
			}
			inTok = true
			i = j + 1
		case ch == '\\' && i+1 < len(s):
			tok.WriteByte(s[i+1])
			inTok = true
			i += 2
		case ch == '|':
			if err := flushCmd(); err != nil {
				return nil, err
			}
			i++
		case ch == ' ' || ch == '\t':
			flushTok()
			i++
		default:
			tok.WriteByte(ch)
			inTok = true
			i++
		}
	}
	if err := flushCmd(); err != nil {
		return nil, err
	}
	return NewPipeline(cmds...), nil
}
