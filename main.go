package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/myndlens/myndlens-p-sub002/audio"
	"github.com/myndlens/myndlens-p-sub002/capture"
	"github.com/myndlens/myndlens-p-sub002/conversation"
	"github.com/myndlens/myndlens-p-sub002/log"
	"github.com/myndlens/myndlens-p-sub002/session"
	"github.com/myndlens/myndlens-p-sub002/store"
	"github.com/myndlens/myndlens-p-sub002/vad"
)

var version = "dev"

var shutdownOnce sync.Once

// consoleSink renders engine events on stdout, the headless counterpart
// of the mobile talk surface.
type consoleSink struct{}

func (consoleSink) StateChanged(from, to conversation.State) {
	fmt.Printf("state: %s -> %s\n", from, to)
}

func (consoleSink) AudioLevel(float64) {}

func (consoleSink) PartialTranscript(text string) { fmt.Println("partial:", text) }

func (consoleSink) FinalTranscript(text string) { fmt.Println("final:", text) }

func (consoleSink) FragmentAck(text string, progress float64) {
	fmt.Printf("fragment: %s (%.0f%%)\n", text, progress*100)
}

func (consoleSink) DraftProposed(label, draftID string, confidence float64) {
	fmt.Printf("draft %s: %s (%.2f) -- approve or decline\n", draftID, label, confidence)
}

func (consoleSink) StageWindow(completed []string, active, subStatus string, _ float64) {
	line := strings.Join(completed, " > ")
	if active != "" {
		if line != "" {
			line += " > "
		}
		line += "[" + active
		if subStatus != "" {
			line += ": " + subStatus
		}
		line += "]"
	}
	fmt.Println("pipeline:", line)
}

func (consoleSink) Clarification(question string) { fmt.Println("question:", question) }

func (consoleSink) ExecuteBlocked(code, reason string) {
	fmt.Printf("blocked [%s]: %s\n", code, reason)
}

func (consoleSink) SessionLost(reconnectable bool) {
	if reconnectable {
		fmt.Println("session lost, retry when ready")
	} else {
		fmt.Println("session lost, sign in again")
	}
}

func (consoleSink) Notice(text string) { fmt.Println(text) }

// textPlayer speaks by printing. Mock TTS carries no audio anyway.
type textPlayer struct{}

func (textPlayer) Play(text string, _ []byte, done func()) {
	if text != "" {
		fmt.Println("assistant:", text)
	}
	go done()
}

func (textPlayer) Stop() {}

func main() {
	endpointFlag := flag.String("endpoint", "", "backend websocket URL (or MYNDLENS_ENDPOINT)")
	tokenFlag := flag.String("token", "", "auth token (or MYNDLENS_TOKEN, falls back to the stored one)")
	deviceFlag := flag.String("device", "", "use named microphone device")
	fakeFlag := flag.String("fake", "", "replay a 16kHz mono WAV instead of live capture")
	streamFlag := flag.Bool("stream", true, "multi-fragment thought-stream capture")
	thresholdFlag := flag.Float64("threshold", 0.015, "VAD energy threshold (normalized 0-1 RMS)")
	silenceFlag := flag.Duration("silence", 3*time.Second, "continuous silence that ends an utterance")
	greetingFlag := flag.String("greeting", "Ready when you are.", "greeting spoken after first sign-in, empty disables")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location)")
	statePathFlag := flag.String("statepath", "", "state directory path (default: OS-specific location)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("myndlens %s\n", version)
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	stateDir, err := store.ResolveDir(*statePathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve state directory: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	endpoint := *endpointFlag
	if endpoint == "" {
		endpoint = os.Getenv("MYNDLENS_ENDPOINT")
	}
	if endpoint == "" {
		fmt.Fprintln(os.Stderr, "Error: no endpoint (use -endpoint or MYNDLENS_ENDPOINT)")
		os.Exit(1)
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("MYNDLENS_TOKEN")
	}
	if token != "" {
		if err := st.SetToken(token); err != nil {
			log.Warnf("token persist failed: %v", err)
		}
	} else {
		token = st.Token()
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: no credential (use -token or MYNDLENS_TOKEN)")
		os.Exit(1)
	}

	deviceID, err := st.DeviceID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: device id: %v\n", err)
		os.Exit(1)
	}

	var audioCtx audio.Context
	if *fakeFlag != "" {
		audioCtx, err = audio.NewFakeContext(*fakeFlag, true)
	} else {
		audioCtx, err = audio.NewContext()
	}
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer audioCtx.Close()

	var selectedDevice *audio.DeviceInfo
	if *deviceFlag != "" {
		if devices, err := audioCtx.Devices(); err == nil {
			for i := range devices {
				if devices[i].Name == *deviceFlag {
					selectedDevice = &devices[i]
					break
				}
			}
		}
		if selectedDevice == nil {
			log.Warnf("device not found, using default: %s", *deviceFlag)
		}
	}

	captureDevice, err := audioCtx.NewCapture(selectedDevice, audio.CaptureConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		log.Errorf("capture device init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing capture device: %v\n", err)
		os.Exit(1)
	}
	defer captureDevice.Close()

	det := vad.New(vad.Config{
		EnergyThreshold: *thresholdFlag,
		SilenceDuration: *silenceFlag,
	})
	pipe := capture.NewPipeline(captureDevice, det, log.Logger("capture"))

	client := session.NewClient(session.Config{
		Endpoint: endpoint,
		Token:    token,
		DeviceID: deviceID,
	}, log.Logger("session"))

	sink := consoleSink{}
	orch := NewOrchestrator(OrchestratorConfig{
		FragmentLoop:    *streamFlag,
		EnergyThreshold: *thresholdFlag,
		SilenceDuration: *silenceFlag,
		Greeting:        *greetingFlag,
	}, OrchestratorDeps{
		Recorder: pipe,
		Conn:     client,
		Sink:     sink,
		Player:   textPlayer{},
		Store:    st,
		Logger:   log.Logger("orchestrator"),
	})
	orch.Start()

	client.OnStatus(func(s session.Status, cause error) {
		switch {
		case errors.Is(cause, session.ErrAuthRejected):
			// Hard failure: the credential is gone for good.
			if err := st.ClearToken(); err != nil {
				log.Warnf("token clear failed: %v", err)
			}
			sink.SessionLost(false)
		case errors.Is(cause, session.ErrReconnectExhausted):
			// Soft failure: keep the credential, offer manual retry.
			sink.SessionLost(true)
		}
	})

	gracefulShutdown := func() {
		shutdownOnce.Do(func() {
			orch.Close()
			client.Disconnect()
			if turns := orch.Turns(); turns > 0 {
				log.SessionEnd(turns)
			}
			log.Close()
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		gracefulShutdown()
		os.Exit(0)
	}()

	log.SessionStart(endpoint, captureDevice.DeviceName())

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		if errors.Is(err, session.ErrAuthRejected) {
			st.ClearToken()
			fmt.Fprintln(os.Stderr, "Error: credential rejected, sign in again")
		} else {
			fmt.Fprintf(os.Stderr, "Error: connect failed: %v\n", err)
		}
		gracefulShutdown()
		os.Exit(1)
	}

	// One-shot prompt; failures here never touch the capture path.
	if !st.NotificationPrompted() {
		fmt.Println("tip: enable notifications to catch replies while backgrounded")
		if err := st.MarkNotificationPrompted(); err != nil {
			log.Warnf("notification flag persist failed: %v", err)
		}
	}

	fmt.Println("commands: tap | kill | approve | decline | text <msg> | bg | fg | state | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd, rest, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		switch cmd {
		case "":
		case "tap":
			orch.TapMic()
		case "kill":
			orch.Kill()
		case "approve":
			orch.Approve()
		case "decline":
			orch.Decline()
		case "text":
			if err := orch.SendText(rest); err != nil {
				fmt.Println("send failed:", err)
			}
		case "bg":
			orch.EnterBackground()
		case "fg":
			orch.EnterForeground()
		case "state":
			fmt.Println(orch.State())
		case "quit":
			gracefulShutdown()
			return
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
	gracefulShutdown()
}
