// scribe-ctl drives a running scribed over its NATS bus: session intents,
// live event watching, model management and transcript history. It is the
// binary a hotkey daemon binds to (scribe-ctl toggle) and the way to inspect
// the engine without a GUI client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/nats-io/nats.go"

	"github.com/scribelabs/scribe-core/internal/protocol"
)

var version = "0.1.0-dev"

const (
	defaultServer  = "nats://127.0.0.1:4222"
	requestTimeout = 3 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "status":
		err = runStatus(os.Args[2:])
	case "start", "stop", "cancel", "toggle":
		err = runIntent(os.Args[1], os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "models":
		err = runModels(os.Args[2:])
	case "switch":
		err = runSwitch(os.Args[2:])
	case "ensure":
		err = runEnsure(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `scribe-ctl %s - control a running scribed

Usage: scribe-ctl <command> [flags]

Session:
  start      begin recording
  stop       stop recording and transcribe
  cancel     abort an in-flight transcription
  toggle     start when idle, stop when recording (bind this to a hotkey)
  status     show session state, active model and audio devices
  watch      stream session and model events to stdout

Models:
  models     list the model catalog
  switch     make a model the active one (-model ggml-small.en.bin)
  ensure     download a model if it is not installed (-model ..., -follow)

History:
  history list    [-limit N]
  history search  -q "terms" [-limit N]
  history update  -id N -text "corrected transcript"
  history delete  -id N
  history clear

Common flags:
  -server URL   NATS server of the scribed bus (default %s,
                or $SCRIBE_SERVER when set)
`, version, defaultServer)
}

func serverFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("SCRIBE_SERVER")
	if def == "" {
		def = defaultServer
	}
	return fs.String("server", def, "NATS server URL of the scribed bus")
}

func connect(server string) (*nats.Conn, error) {
	conn, err := nats.Connect(server,
		nats.Name("scribe-ctl"),
		nats.Timeout(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w (is scribed running?)", server, err)
	}
	return conn, nil
}

func runIntent(action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	server := serverFlag(fs)
	mode := fs.String("mode", "", "recording mode hint (push-to-talk, toggle)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := connect(*server)
	if err != nil {
		return err
	}
	defer conn.Close()

	data, err := json.Marshal(protocol.SessionIntent{Action: action, Mode: *mode})
	if err != nil {
		return err
	}
	if err := conn.Publish(protocol.SubjectSessionIntent, data); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}
	fmt.Printf("%s intent sent\n", action)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := serverFlag(fs)
	jsonOut := fs.Bool("json", false, "print the raw status reply")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reply, err := fetchStatus(*server)
	if err != nil {
		return err
	}

	if *jsonOut {
		out, err := json.MarshalIndent(reply, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("state:         %s\n", reply.State)
	if reply.SessionID != "" {
		fmt.Printf("session:       %s\n", reply.SessionID)
	}
	active := reply.ActiveModel
	if active == "" {
		active = "(none)"
	}
	fmt.Printf("active model:  %s\n", active)
	fmt.Printf("audio:         %s\n", renderAudio(reply.Audio))
	fmt.Println()
	printModels(reply.Models)
	return nil
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	server := serverFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	reply, err := fetchStatus(*server)
	if err != nil {
		return err
	}
	printModels(reply.Models)
	return nil
}

func fetchStatus(server string) (protocol.StatusReply, error) {
	var reply protocol.StatusReply

	conn, err := connect(server)
	if err != nil {
		return reply, err
	}
	defer conn.Close()

	msg, err := conn.Request(protocol.SubjectSessionStatus, nil, requestTimeout)
	if err != nil {
		return reply, fmt.Errorf("no status reply: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("decode status reply: %w", err)
	}
	return reply, nil
}

func renderAudio(audio protocol.AudioInputStatus) string {
	if !audio.OK {
		if audio.Message != "" {
			return "unavailable (" + audio.Message + ")"
		}
		return "unavailable"
	}
	if audio.DefaultInput == "" {
		return "ok"
	}
	return fmt.Sprintf("ok (%s @ %.0f Hz)", audio.DefaultInput, audio.DefaultSampleRate)
}

func printModels(models []protocol.ModelStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tLABEL\tQUALITY\tINSTALLED\tACTIVE")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.FileName, m.Label, m.Quality, mark(m.Installed), mark(m.Active))
	}
	w.Flush()
}

func mark(set bool) string {
	if set {
		return "yes"
	}
	return "-"
}

func runSwitch(args []string) error {
	fs := flag.NewFlagSet("switch", flag.ExitOnError)
	server := serverFlag(fs)
	name := fs.String("model", "", "model file name from the catalog")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-model is required")
	}

	if err := publishModelIntent(*server, protocol.ActionSwitchActiveModel, *name); err != nil {
		return err
	}
	fmt.Printf("switch to %s requested; scribed confirms on the event bus (scribe-ctl watch)\n", *name)
	return nil
}

func runEnsure(args []string) error {
	fs := flag.NewFlagSet("ensure", flag.ExitOnError)
	server := serverFlag(fs)
	name := fs.String("model", "", "model file name from the catalog")
	follow := fs.Bool("follow", false, "wait for the download and print progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-model is required")
	}

	if !*follow {
		if err := publishModelIntent(*server, protocol.ActionEnsureModelInstalled, *name); err != nil {
			return err
		}
		fmt.Printf("install of %s requested\n", *name)
		return nil
	}

	conn, err := connect(*server)
	if err != nil {
		return err
	}
	defer conn.Close()

	events := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(protocol.SubjectModelEvent, events)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	if err := conn.Flush(); err != nil {
		return err
	}

	data, err := json.Marshal(protocol.ModelIntent{Action: protocol.ActionEnsureModelInstalled, FileName: *name})
	if err != nil {
		return err
	}
	if err := conn.Publish(protocol.SubjectModelIntent, data); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return errors.New("interrupted")
		case msg := <-events:
			var ev protocol.ModelEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.FileName != *name {
				continue
			}
			switch ev.Type {
			case protocol.EventModelDownloadProgress:
				fmt.Printf("\r%s  %3d%%  %s", ev.FileName, ev.Percent, renderBytes(ev.BytesDownloaded, ev.TotalBytes))
			case protocol.EventModelDownloadComplete:
				fmt.Printf("\r%s installed%s\n", ev.FileName, strings.Repeat(" ", 24))
				return nil
			case protocol.EventModelDownloadFailed:
				fmt.Println()
				return fmt.Errorf("download failed: %s", ev.Message)
			}
		}
	}
}

func publishModelIntent(server, action, fileName string) error {
	conn, err := connect(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	data, err := json.Marshal(protocol.ModelIntent{Action: action, FileName: fileName})
	if err != nil {
		return err
	}
	if err := conn.Publish(protocol.SubjectModelIntent, data); err != nil {
		return err
	}
	return conn.Flush()
}

func renderBytes(received, total int64) string {
	mb := func(b int64) float64 { return float64(b) / (1024 * 1024) }
	if total <= 0 {
		return fmt.Sprintf("%.1f MB", mb(received))
	}
	return fmt.Sprintf("%.1f/%.1f MB", mb(received), mb(total))
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	server := serverFlag(fs)
	notify := fs.Bool("notify", false, "raise desktop notifications for transcripts, notices and errors")
	jsonOut := fs.Bool("json", false, "print raw event JSON instead of formatted lines")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := connect(*server)
	if err != nil {
		return err
	}
	defer conn.Close()

	events := make(chan *nats.Msg, 64)
	sessionSub, err := conn.ChanSubscribe(protocol.SubjectSessionEvent, events)
	if err != nil {
		return err
	}
	defer sessionSub.Unsubscribe()
	modelSub, err := conn.ChanSubscribe(protocol.SubjectModelEvent, events)
	if err != nil {
		return err
	}
	defer modelSub.Unsubscribe()
	if err := conn.Flush(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", *server)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-events:
			if *jsonOut {
				fmt.Println(string(msg.Data))
				continue
			}
			printEvent(msg, *notify)
		}
	}
}

func printEvent(msg *nats.Msg, notify bool) {
	switch msg.Subject {
	case protocol.SubjectSessionEvent:
		var ev protocol.SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fmt.Printf("%s  %s\n", ev.Timestamp.Local().Format("15:04:05"), renderSessionEvent(ev))
		if notify {
			notifySessionEvent(ev)
		}
	case protocol.SubjectModelEvent:
		var ev protocol.ModelEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fmt.Printf("%s  %s\n", ev.Timestamp.Local().Format("15:04:05"), renderModelEvent(ev))
	}
}

func renderSessionEvent(ev protocol.SessionEvent) string {
	switch ev.Type {
	case protocol.EventRecordingStarted:
		return "recording started"
	case protocol.EventRecordingStopped:
		return fmt.Sprintf("recording stopped (%s, %.1fs)", ev.StopReason, float64(ev.DurationMS)/1000)
	case protocol.EventTranscriptionComplete:
		if ev.Annotation != "" {
			return fmt.Sprintf("no transcript (%s)", ev.Annotation)
		}
		line := fmt.Sprintf("transcript [%s, %dms]: %s", ev.Model, ev.TranscribeMS, ev.Text)
		if ev.AutoCopied {
			line += "  (copied)"
		}
		return line
	case protocol.EventTranscriptionCancelled:
		return "transcription cancelled"
	case protocol.EventTranscriptionError:
		return "error: " + ev.Message
	case protocol.EventNotice:
		return "notice: " + ev.Message
	default:
		return ev.Type
	}
}

func renderModelEvent(ev protocol.ModelEvent) string {
	switch ev.Type {
	case protocol.EventModelDownloadProgress:
		return fmt.Sprintf("downloading %s  %d%%  %s", ev.FileName, ev.Percent, renderBytes(ev.BytesDownloaded, ev.TotalBytes))
	case protocol.EventModelDownloadComplete:
		return fmt.Sprintf("model %s installed", ev.FileName)
	case protocol.EventModelDownloadFailed:
		return fmt.Sprintf("model %s download failed: %s", ev.FileName, ev.Message)
	default:
		return ev.Type
	}
}

// notifySessionEvent mirrors the interesting events to the desktop. Failures
// are ignored so a missing notification daemon never breaks the watch loop.
func notifySessionEvent(ev protocol.SessionEvent) {
	switch ev.Type {
	case protocol.EventTranscriptionComplete:
		if ev.Annotation != "" {
			return
		}
		_ = beeep.Notify("Scribe", ev.Text, "")
	case protocol.EventTranscriptionError:
		_ = beeep.Alert("Scribe", ev.Message, "")
	case protocol.EventNotice:
		_ = beeep.Notify("Scribe", ev.Message, "")
	}
}

func runHistory(args []string) error {
	if len(args) < 1 {
		return errors.New("expected a history operation: list, search, update, delete or clear")
	}
	op := args[0]

	fs := flag.NewFlagSet("history "+op, flag.ExitOnError)
	server := serverFlag(fs)
	var (
		limit *int
		q     *string
		id    *int64
		text  *string
	)
	switch op {
	case "list":
		limit = fs.Int("limit", 0, "maximum entries to return")
	case "search":
		limit = fs.Int("limit", 0, "maximum entries to return")
		q = fs.String("q", "", "full-text search terms")
	case "update":
		id = fs.Int64("id", 0, "entry id to update")
		text = fs.String("text", "", "replacement transcript text")
	case "delete":
		id = fs.Int64("id", 0, "entry id to delete")
	case "clear":
	default:
		return fmt.Errorf("unknown history operation %q", op)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	query := protocol.HistoryQuery{}
	switch op {
	case "list":
		query.Op = protocol.HistoryOpList
		query.Limit = *limit
	case "search":
		if *q == "" {
			return errors.New("-q is required")
		}
		query.Op = protocol.HistoryOpSearch
		query.Query = *q
		query.Limit = *limit
	case "update":
		if *id <= 0 {
			return errors.New("-id is required")
		}
		if *text == "" {
			return errors.New("-text is required")
		}
		query.Op = protocol.HistoryOpUpdate
		query.ID = *id
		query.Text = *text
	case "delete":
		if *id <= 0 {
			return errors.New("-id is required")
		}
		query.Op = protocol.HistoryOpDelete
		query.ID = *id
	case "clear":
		query.Op = protocol.HistoryOpClear
	}

	conn, err := connect(*server)
	if err != nil {
		return err
	}
	defer conn.Close()

	data, err := json.Marshal(query)
	if err != nil {
		return err
	}
	msg, err := conn.Request(protocol.SubjectHistoryQuery, data, requestTimeout)
	if err != nil {
		return fmt.Errorf("no history reply: %w", err)
	}
	var reply protocol.HistoryReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode history reply: %w", err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}

	switch op {
	case "list", "search":
		printHistory(reply.Entries)
	case "update":
		if reply.Updated == 0 {
			return fmt.Errorf("no entry with id %d", query.ID)
		}
		fmt.Printf("updated entry %d\n", query.ID)
	case "delete", "clear":
		fmt.Printf("deleted %d entries\n", reply.Deleted)
	}
	return nil
}

func printHistory(entries []protocol.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Println("no entries")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tMODEL\tTEXT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.ID, renderWhen(e.CreatedAt), e.Model, truncate(e.Text, 72))
	}
	w.Flush()
}

func renderWhen(createdAt string) string {
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return createdAt
	}
	return ts.Local().Format("2006-01-02 15:04")
}

func truncate(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-3]) + "..."
}
