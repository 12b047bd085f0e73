package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/model"
)

// execEngine shells out to an external transcriber (whisper-cli or
// anything flag compatible). transcribe.command is parsed once with shell
// quoting rules; each call writes the capture to a temp WAV and appends
// --model, --audio and --language flags. Stdout is either a {"text": ...}
// JSON object or the bare transcript.
type execEngine struct {
	cmd []string
	cfg config.TranscribeConfig
}

func newExecEngine(cfg config.TranscribeConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcribe command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcribe command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg}, nil
}

func (e *execEngine) Name() string { return "exec" }

type execInstance struct {
	path string
}

func (i *execInstance) Close() error { return nil }

// Load only checks the artifact; the subprocess maps the model itself on
// every call, so nothing stays resident between runs.
func (e *execEngine) Load(path string) (model.Instance, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model artifact: %w", err)
	}
	return &execInstance{path: path}, nil
}

type execOutput struct {
	Text string `json:"text"`
}

func (e *execEngine) Transcribe(ctx context.Context, inst model.Instance, samples []float32) (string, error) {
	ei, ok := inst.(*execInstance)
	if !ok {
		return "", fmt.Errorf("instance is not an exec model")
	}

	file, err := os.CreateTemp("", "scribe_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, audio.ModelRate); err != nil {
		return "", err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--model", ei.path, "--audio", file.Name())
	if e.cfg.Language != "" && e.cfg.Language != "auto" {
		args = append(args, "--language", e.cfg.Language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("transcribe command failed: %w: %s", err, stderr.String())
	}

	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err == nil && out.Text != "" {
		return strings.TrimSpace(out.Text), nil
	}
	return strings.TrimSpace(stdout.String()), nil
}
