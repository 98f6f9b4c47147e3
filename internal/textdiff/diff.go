// Package textdiff computes edit operations between two text states and
// classifies transcript revisions. It backs both correction detection and
// replacement ordering for display updates.
package textdiff

import (
	"fmt"
	"strings"
	"unicode"
)

// OpType identifies one kind of edit operation.
type OpType string

const (
	OpInsert    OpType = "insert"
	OpDelete    OpType = "delete"
	OpReplace   OpType = "replace"
	OpUnchanged OpType = "unchanged"
)

// Op is a single edit covering a contiguous span. Position is the rune offset
// into the old text where the op applies. OldText is set for delete, replace
// and unchanged ops; NewText for insert, replace and unchanged ops.
type Op struct {
	Type     OpType `json:"type"`
	Position int    `json:"position"`
	OldText  string `json:"old_text,omitempty"`
	NewText  string `json:"new_text,omitempty"`
}

// DefaultCharLevelThreshold is the rune count below which diffing happens at
// character granularity. Longer inputs diff at word granularity to bound cost
// on long transcripts.
const DefaultCharLevelThreshold = 64

// Diff computes an ordered sequence of edit operations transforming old into
// new. The sequence covers the full span of both strings and Apply round-trips
// exactly. When several minimal edit sequences exist, the one preserving the
// longest common prefix wins, which keeps already-confirmed leading text
// stable for animation.
func Diff(old, new string) []Op {
	return DiffWith(old, new, DefaultCharLevelThreshold)
}

// DiffWith is Diff with an explicit character-level threshold.
func DiffWith(old, new string, charThreshold int) []Op {
	if old == new {
		if old == "" {
			return nil
		}
		return []Op{{Type: OpUnchanged, Position: 0, OldText: old, NewText: old}}
	}

	var a, b []string
	if runeLen(old) <= charThreshold && runeLen(new) <= charThreshold {
		a, b = charTokens(old), charTokens(new)
	} else {
		a, b = wordTokens(old), wordTokens(new)
	}

	// Trimming the common prefix first is what enforces the longest-common-
	// prefix tie-break: those tokens can never end up inside an edit.
	prefix := commonTokens(a, b)
	suffix := commonTokensReverse(a[prefix:], b[prefix:])

	var ops []Op
	pos := 0
	if prefix > 0 {
		t := strings.Join(a[:prefix], "")
		ops = append(ops, Op{Type: OpUnchanged, Position: 0, OldText: t, NewText: t})
		pos = runeLen(t)
	}

	ops, pos = appendMiddleOps(ops, a[prefix:len(a)-suffix], b[prefix:len(b)-suffix], pos)

	if suffix > 0 {
		suffixText := strings.Join(a[len(a)-suffix:], "")
		ops = append(ops, Op{Type: OpUnchanged, Position: pos, OldText: suffixText, NewText: suffixText})
	}
	return ops
}

// Apply replays ops against old and returns the reconstructed new text. It
// validates every consumed span so a mismatched op sequence surfaces as an
// error instead of silent corruption.
func Apply(old string, ops []Op) (string, error) {
	oldRunes := []rune(old)
	var b strings.Builder
	pos := 0
	for i, op := range ops {
		switch op.Type {
		case OpUnchanged, OpDelete, OpReplace:
			span := []rune(op.OldText)
			if pos+len(span) > len(oldRunes) || string(oldRunes[pos:pos+len(span)]) != op.OldText {
				return "", fmt.Errorf("op %d (%s): old text mismatch at rune %d", i, op.Type, pos)
			}
			pos += len(span)
			if op.Type == OpUnchanged {
				b.WriteString(op.OldText)
			} else if op.Type == OpReplace {
				b.WriteString(op.NewText)
			}
		case OpInsert:
			b.WriteString(op.NewText)
		default:
			return "", fmt.Errorf("op %d: unknown type %q", i, op.Type)
		}
	}
	if pos != len(oldRunes) {
		return "", fmt.Errorf("ops consumed %d of %d runes", pos, len(oldRunes))
	}
	return b.String(), nil
}

// Classify reduces a whole-text transition to a single op type, used when a
// partial resolves into its final text.
func Classify(old, new string) OpType {
	switch {
	case old == new:
		return OpUnchanged
	case old == "":
		return OpInsert
	case new == "":
		return OpDelete
	case strings.HasPrefix(new, old):
		return OpInsert
	default:
		return OpReplace
	}
}

// IsCorrection reports whether new revises text that was already displayed.
// A pure extension (new == old + suffix) is not a correction; any change to
// the previously shown leading text is.
func IsCorrection(old, new string) bool {
	if old == "" {
		return false
	}
	return commonPrefixRunes(old, new) < runeLen(old)
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

func commonPrefixRunes(a, b string) int {
	ar, br := []rune(a), []rune(b)
	n := 0
	for n < len(ar) && n < len(br) && ar[n] == br[n] {
		n++
	}
	return n
}

func charTokens(s string) []string {
	toks := make([]string, 0, len(s))
	for _, r := range s {
		toks = append(toks, string(r))
	}
	return toks
}

// wordTokens splits into alternating runs of spaces and non-spaces so the
// concatenation of tokens reproduces the input byte for byte.
func wordTokens(s string) []string {
	var toks []string
	runes := []rune(s)
	i := 0
	for i < len(runes) {
		j := i
		isSpace := unicode.IsSpace(runes[i])
		for j < len(runes) && unicode.IsSpace(runes[j]) == isSpace {
			j++
		}
		toks = append(toks, string(runes[i:j]))
		i = j
	}
	return toks
}

func commonTokens(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonTokensReverse(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

// appendMiddleOps runs an LCS diff over the trimmed middles and appends the
// resulting edit runs. Adjacent delete and insert runs collapse into a single
// replace op.
func appendMiddleOps(ops []Op, a, b []string, pos int) ([]Op, int) {
	if len(a) == 0 && len(b) == 0 {
		return ops, pos
	}
	if len(a) == 0 {
		ops = append(ops, Op{Type: OpInsert, Position: pos, NewText: strings.Join(b, "")})
		return ops, pos
	}
	if len(b) == 0 {
		old := strings.Join(a, "")
		ops = append(ops, Op{Type: OpDelete, Position: pos, OldText: old})
		return ops, pos + runeLen(old)
	}

	// Standard LCS table; inputs are short after prefix/suffix trimming.
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	type step struct {
		kind OpType
		tok  string
	}
	var steps []step
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && a[i-1] == b[j-1] && dp[i][j] == dp[i-1][j-1]+1:
			steps = append(steps, step{OpUnchanged, a[i-1]})
			i--
			j--
		case i > 0 && (j == 0 || dp[i-1][j] >= dp[i][j-1]):
			steps = append(steps, step{OpDelete, a[i-1]})
			i--
		default:
			steps = append(steps, step{OpInsert, b[j-1]})
			j--
		}
	}
	// steps are reversed; coalesce into runs going forward.
	var delRun, insRun, sameRun strings.Builder
	flushEdits := func() {
		switch {
		case delRun.Len() > 0 && insRun.Len() > 0:
			ops = append(ops, Op{Type: OpReplace, Position: pos, OldText: delRun.String(), NewText: insRun.String()})
			pos += runeLen(delRun.String())
		case delRun.Len() > 0:
			ops = append(ops, Op{Type: OpDelete, Position: pos, OldText: delRun.String()})
			pos += runeLen(delRun.String())
		case insRun.Len() > 0:
			ops = append(ops, Op{Type: OpInsert, Position: pos, NewText: insRun.String()})
		}
		delRun.Reset()
		insRun.Reset()
	}
	flushSame := func() {
		if sameRun.Len() > 0 {
			t := sameRun.String()
			ops = append(ops, Op{Type: OpUnchanged, Position: pos, OldText: t, NewText: t})
			pos += runeLen(t)
			sameRun.Reset()
		}
	}
	for k := len(steps) - 1; k >= 0; k-- {
		s := steps[k]
		switch s.kind {
		case OpUnchanged:
			flushEdits()
			sameRun.WriteString(s.tok)
		case OpDelete:
			flushSame()
			delRun.WriteString(s.tok)
		case OpInsert:
			flushSame()
			insRun.WriteString(s.tok)
		}
	}
	flushEdits()
	flushSame()
	return ops, pos
}
