package tts

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const outputPrefix = "bark_output_"

// Namer hands out output file names derived from the clock. Names are unique
// for the lifetime of the Namer even when several are requested within one
// second or the wall clock steps backwards.
type Namer struct {
	mu    sync.Mutex
	now   func() time.Time
	tick  int64
	seq   int
	begun bool
}

func NewNamer(now func() time.Time) *Namer {
	if now == nil {
		now = time.Now
	}
	return &Namer{now: now}
}

// Next returns bark_output_<unix>.wav, or bark_output_<unix>_<n>.wav for the
// n-th additional name issued within the same tick.
func (n *Namer) Next() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	tick := n.now().Unix()
	if !n.begun || tick > n.tick {
		n.tick = tick
		n.seq = 0
		n.begun = true
	} else {
		n.seq++
	}
	if n.seq == 0 {
		return fmt.Sprintf("%s%d.wav", outputPrefix, n.tick)
	}
	return fmt.Sprintf("%s%d_%d.wav", outputPrefix, n.tick, n.seq)
}

// Builder turns requests into Bark CLI invocations.
type Builder struct {
	program  string
	baseArgs []string
	workDir  string
	namer    *Namer
}

// NewBuilder parses command (e.g. "python -m bark.cli") into the program and
// its leading arguments.
func NewBuilder(command, workDir string, namer *Namer) (*Builder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse bark command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("bark command empty")
	}
	if namer == nil {
		namer = NewNamer(nil)
	}
	return &Builder{program: args[0], baseArgs: args[1:], workDir: workDir, namer: namer}, nil
}

// Build never fails. Optional flags are emitted only for fields that are set,
// always in the order text_temp, waveform_temp, history_prompt.
func (b *Builder) Build(req Request, outputDir string) InvocationSpec {
	filename := b.namer.Next()

	args := make([]string, 0, len(b.baseArgs)+12)
	args = append(args, b.baseArgs...)
	// argparse reads a separate value starting with "-" as another option.
	if strings.HasPrefix(req.Text, "-") {
		args = append(args, "--text="+req.Text)
	} else {
		args = append(args, "--text", req.Text)
	}
	args = append(args,
		"--output_filename", filename,
		"--output_dir", outputDir,
	)
	if req.TextTemp != nil {
		args = append(args, "--text_temp", formatFloat(*req.TextTemp))
	}
	if req.WaveformTemp != nil {
		args = append(args, "--waveform_temp", formatFloat(*req.WaveformTemp))
	}
	if req.VoicePreset != "" {
		args = append(args, "--history_prompt", req.VoicePreset)
	}

	return InvocationSpec{
		Program:    b.program,
		Args:       args,
		Dir:        b.workDir,
		OutputPath: filepath.Join(outputDir, filename),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
