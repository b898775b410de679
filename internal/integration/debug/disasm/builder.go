// Package disasm builds disassembly listings around an address.
//
// Clients ask for a number of lines before and after an address, while the
// engine disassembles byte ranges. The builder guesses a range size from an
// assumed instruction size and keeps fetching until it has enough lines or
// the engine has no more to give.
package disasm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/dap"
)

// GuessedInstructionSize is the instruction size assumed when sizing a
// range. Start addresses stay aligned to it.
const GuessedInstructionSize = 4

// Disassembler is the engine's Disassembly service.
type Disassembler interface {
	DisassembleRange(ctx context.Context, from, to cspy.Location, ref cspy.ContextRef) ([]cspy.DisassembledLocation, error)
}

// SourceLookup is the engine's SourceLookup service.
type SourceLookup interface {
	SourceRanges(ctx context.Context, loc cspy.Location) ([]cspy.SourceRange, error)
}

// instructionPattern splits an engine instruction into its labels (1),
// address (4), opcode bytes (5) and text (7).
var instructionPattern = regexp.MustCompile(`(((.+):\n)*)\s*([\w|']+):\s+((0x[\w|']+\s+)*)([\s\S]*)`)

// Builder fetches disassembly listings.
type Builder struct {
	disasm  Disassembler
	sources SourceLookup
	logger  *slog.Logger

	linesStartAt1   bool
	columnsStartAt1 bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClientIndexing sets whether the client counts lines and columns from
// 1, as the engine does, or from 0.
func WithClientIndexing(linesStartAt1, columnsStartAt1 bool) Option {
	return func(b *Builder) {
		b.linesStartAt1 = linesStartAt1
		b.columnsStartAt1 = columnsStartAt1
	}
}

// New creates a Builder.
func New(d Disassembler, s SourceLookup, opts ...Option) *Builder {
	b := &Builder{
		disasm:          d,
		sources:         s,
		logger:          slog.Default(),
		linesStartAt1:   true,
		columnsStartAt1: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type line struct {
	addr uint64
	dap.DisassembledInstruction
}

// Fetch returns lineCount lines of disassembly. The listing starts
// lineOffset lines from the address memoryReference+offset; a negative
// lineOffset starts it before that address. Fewer lines are returned only
// where the engine has no more code in a direction.
func (b *Builder) Fetch(ctx context.Context, memoryReference string, lineCount int, offset int64, lineOffset int) ([]dap.DisassembledInstruction, error) {
	ref, err := ParseAddress(memoryReference)
	if err != nil {
		return nil, err
	}
	base := addClamped(ref, offset)

	backward := max(-lineOffset, 0)
	skip := max(lineOffset, 0)
	forward := max(lineCount-backward, 0) + skip

	before, err := b.fetchBackward(ctx, base, backward)
	if err != nil {
		return nil, cspy.NewOperationError("disassemble", memoryReference, err)
	}
	after, err := b.fetchForward(ctx, base, forward)
	if err != nil {
		return nil, cspy.NewOperationError("disassemble", memoryReference, err)
	}
	if skip > 0 {
		after = after[min(skip, len(after)):]
	}

	lines := slices.Concat(before, after)
	lines = lines[:min(lineCount, len(lines))]
	b.populateSourceInfo(ctx, lines)

	out := make([]dap.DisassembledInstruction, len(lines))
	for i, l := range lines {
		out[i] = l.DisassembledInstruction
	}
	return out, nil
}

// fetchBackward returns up to n lines ending just before base.
func (b *Builder) fetchBackward(ctx context.Context, base uint64, n int) ([]line, error) {
	var before []line
	end := base
	for n > 0 {
		start := addClamped(end, -int64(n)*GuessedInstructionSize)
		if start == end {
			break
		}
		fetched, err := b.fetchRange(ctx, start, end)
		if err != nil {
			return nil, err
		}
		if len(fetched) == 0 {
			break
		}
		if len(fetched) > n {
			fetched = fetched[len(fetched)-n:]
		}
		before = slices.Concat(fetched, before)
		n -= len(fetched)
		end = start
	}
	return before, nil
}

// fetchForward returns up to n lines starting at base.
func (b *Builder) fetchForward(ctx context.Context, base uint64, n int) ([]line, error) {
	var after []line
	start := base
	for n > 0 {
		end := addClamped(start, int64(n)*GuessedInstructionSize)
		if end == start {
			break
		}
		fetched, err := b.fetchRange(ctx, start, end)
		if err != nil {
			return nil, err
		}
		if len(fetched) == 0 {
			break
		}
		fetched = fetched[:min(n, len(fetched))]
		after = append(after, fetched...)
		n -= len(fetched)
		start = end
	}
	return after, nil
}

func (b *Builder) fetchRange(ctx context.Context, start, end uint64) ([]line, error) {
	b.logger.Debug("fetching disassembly", "from", cspy.FormatAddress(start), "to", cspy.FormatAddress(end))
	locs, err := b.disasm.DisassembleRange(ctx,
		cspy.Location{Zone: cspy.DefaultCodeZone, Address: start},
		cspy.Location{Zone: cspy.DefaultCodeZone, Address: end},
		cspy.TargetContext(0),
	)
	if err != nil {
		return nil, err
	}

	var lines []line
	for _, loc := range locs {
		for _, instr := range loc.Instructions {
			lines = append(lines, b.splitInstruction(loc.Location.Address, instr)...)
		}
	}
	return lines, nil
}

// splitInstruction turns one engine instruction into listing lines. Labels
// and extra comment lines each get a line of their own at the same
// address.
func (b *Builder) splitInstruction(addr uint64, instr string) []line {
	address := cspy.FormatAddress(addr)
	at := func(d dap.DisassembledInstruction) line {
		d.Address = address
		return line{addr: addr, DisassembledInstruction: d}
	}

	m := instructionPattern.FindStringSubmatch(instr)
	if m == nil {
		b.logger.Warn("unparsable instruction", "instruction", instr)
		return []line{at(dap.DisassembledInstruction{Instruction: instr})}
	}
	if _, err := ParseAddress(m[4]); err != nil {
		return nil
	}

	var lines []line
	for _, label := range strings.Split(m[1], ":\n") {
		if label == "" {
			continue
		}
		label = strings.TrimSpace(label)
		lines = append(lines, at(dap.DisassembledInstruction{
			Instruction: "\t\t" + label + ":",
			Symbol:      label,
		}))
	}

	text := strings.Split(m[7], "\n")
	lines = append(lines, at(dap.DisassembledInstruction{
		Instruction:      text[0],
		InstructionBytes: strings.TrimSpace(m[5]),
	}))
	for _, extra := range text[1:] {
		lines = append(lines, at(dap.DisassembledInstruction{Instruction: extra}))
	}
	return lines
}

// populateSourceInfo attaches source positions. Only the first line at an
// address is looked up, and only the first line of a run mapping to the
// same source line is decorated.
func (b *Builder) populateSourceInfo(ctx context.Context, lines []line) {
	lastFile, lastLine := "", int32(-1)
	for i := range lines {
		if i > 0 && lines[i-1].addr == lines[i].addr {
			continue
		}
		ranges, err := b.sources.SourceRanges(ctx, cspy.Location{Zone: cspy.DefaultCodeZone, Address: lines[i].addr})
		if err != nil {
			b.logger.Debug("source lookup failed", "address", lines[i].Address, "error", err)
			continue
		}
		if len(ranges) == 0 {
			continue
		}
		if len(ranges) > 1 {
			b.logger.Warn("multiple source ranges for instruction", "address", lines[i].Address)
		}
		r := ranges[0]
		if r.Filename == lastFile && r.First.Line == lastLine {
			continue
		}
		lastFile, lastLine = r.Filename, r.First.Line

		l := &lines[i].DisassembledInstruction
		l.Location = &dap.Source{Name: baseName(r.Filename), Path: r.Filename}
		l.Line = b.clientLine(r.First.Line)
		l.Column = b.clientColumn(r.First.Col)
		l.EndLine = b.clientLine(r.Last.Line)
		l.EndColumn = b.clientColumn(r.Last.Col)
	}
}

func (b *Builder) clientLine(n int32) int {
	if b.linesStartAt1 {
		return int(n)
	}
	return int(n) - 1
}

func (b *Builder) clientColumn(n int32) int {
	if b.columnsStartAt1 {
		return int(n)
	}
	return int(n) - 1
}

// ParseAddress parses a memory reference. Hex references need a 0x
// prefix; digit group separators (') are ignored.
func ParseAddress(ref string) (uint64, error) {
	addr, err := strconv.ParseUint(strings.ReplaceAll(strings.TrimSpace(ref), "'", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory reference %q: %w", ref, err)
	}
	return addr, nil
}

// addClamped returns a+d, clamped to the range of uint64.
func addClamped(a uint64, d int64) uint64 {
	if d < 0 {
		sub := uint64(-(d + 1)) + 1
		if sub > a {
			return 0
		}
		return a - sub
	}
	if uint64(d) > math.MaxUint64-a {
		return math.MaxUint64
	}
	return a + uint64(d)
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
