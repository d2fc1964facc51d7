package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/yeyulab/screentalk/pkg/media"
	"github.com/yeyulab/screentalk/pkg/session"
	"github.com/yeyulab/screentalk/pkg/session/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startBackend launches a test WebSocket server. The handler receives the
// accepted *websocket.Conn; the server is closed when the test finishes.
func startBackend(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// connectReady dials the test server and blocks until the link is Ready.
func connectReady(t *testing.T, srv *httptest.Server) *gemini.Link {
	t.Helper()
	l := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	if !l.WaitForSetup(context.Background(), 3*time.Second) {
		t.Fatal("link never became ready")
	}
	return l
}

// nextEvent reads one event with a timeout.
func nextEvent(t *testing.T, events <-chan session.Event) session.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// ── Connect / setup ────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key",
		gemini.WithModel("custom-model"),
		gemini.WithVoice("Aoede"),
		gemini.WithBaseURL(wsURL(srv)),
	)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	select {
	case msg := <-received:
		if want := "models/custom-model"; msg.Setup.Model != want {
			t.Errorf("model = %q; want %q", msg.Setup.Model, want)
		}
		if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
			t.Errorf("responseModalities = %v; want [audio]", got)
		}
		sc := msg.Setup.GenerationConfig.SpeechConfig
		if sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
			t.Errorf("unexpected speechConfig: %+v", sc)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)

	srv := startBackend(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	select {
	case q := <-query:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	if err := l.Connect(ctx); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
	if got := l.State(); got != session.Errored {
		t.Errorf("state = %v; want errored", got)
	}
}

func TestWaitForSetup_BecomesReadyOnAck(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	if got := l.State(); got != session.AwaitingSetupAck {
		t.Errorf("state after Connect = %v; want awaiting_setup_ack", got)
	}
	if !l.WaitForSetup(context.Background(), 3*time.Second) {
		t.Fatal("WaitForSetup = false; want true")
	}
	if got := l.State(); got != session.Ready {
		t.Errorf("state = %v; want ready", got)
	}
}

func TestWaitForSetup_TimesOutWithoutAck(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Never acknowledge.
		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	if l.WaitForSetup(context.Background(), 100*time.Millisecond) {
		t.Fatal("WaitForSetup = true without ack; want false")
	}
}

// ── Sends ──────────────────────────────────────────────────────────────────────

func TestSendAudio_TransmitsMediaChunk(t *testing.T) {
	t.Parallel()

	type realtimeMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeMsg, 1)

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	l := connectReady(t, srv)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	blob, ok := media.EncodeAudio(media.AudioFrame{Data: pcm, SampleRate: media.TargetSampleRate, Channels: 1})
	if !ok {
		t.Fatal("EncodeAudio rejected non-empty frame")
	}
	if err := l.SendAudio(blob); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("media chunks = %d; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(pcm) {
			t.Errorf("decoded audio = %v; want %v", got, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendText_TransmitsRealtimeText(t *testing.T) {
	t.Parallel()

	type realtimeMsg struct {
		RealtimeInput struct {
			Text string `json:"text"`
		} `json:"realtimeInput"`
	}

	textMsg := make(chan realtimeMsg, 1)

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeMsg
		readJSON(t, conn, &msg)
		textMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	l := connectReady(t, srv)

	if err := l.SendText("describe the current page"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case msg := <-textMsg:
		if msg.RealtimeInput.Text != "describe the current page" {
			t.Errorf("text = %q", msg.RealtimeInput.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text message")
	}
}

func TestSend_BeforeReady_IsDropped(t *testing.T) {
	t.Parallel()

	frames := make(chan struct{}, 4)

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup
		// No setupComplete: link stays AwaitingSetupAck.
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
			frames <- struct{}{}
		}
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	blob := media.Blob{Data: "AAAA", MIMEType: "audio/pcm;rate=16000"}
	if err := l.SendAudio(blob); err != nil {
		t.Fatalf("SendAudio before ready should drop, not fail: %v", err)
	}
	if err := l.SendText("hello"); err != nil {
		t.Fatalf("SendText before ready should drop, not fail: %v", err)
	}

	select {
	case <-frames:
		t.Fatal("frame reached the server despite link not being ready")
	case <-time.After(200 * time.Millisecond):
	}
}

// ── Event dispatch ─────────────────────────────────────────────────────────────

func TestDispatch_TranscriptThenTurnComplete(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		// Both flags on one frame: transcript must precede turn complete.
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "zoom in please"},
				"turnComplete":       true,
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()
	events := l.Events()

	if _, ok := nextEvent(t, events).(session.SetupComplete); !ok {
		t.Fatal("first event should be SetupComplete")
	}
	tr, ok := nextEvent(t, events).(session.Transcript)
	if !ok {
		t.Fatal("second event should be Transcript")
	}
	if !tr.IsUser || tr.Text != "zoom in please" {
		t.Errorf("transcript = %+v; want user text", tr)
	}
	if _, ok := nextEvent(t, events).(session.TurnComplete); !ok {
		t.Fatal("third event should be TurnComplete")
	}
}

func TestDispatch_AudioResponsePerInlinePart(t *testing.T) {
	t.Parallel()

	first := []byte{0xAA, 0xBB}
	second := []byte{0xCC, 0xDD}

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(first),
						}},
						{"text": "spoken reply"},
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(second),
						}},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()
	events := l.Events()

	if _, ok := nextEvent(t, events).(session.SetupComplete); !ok {
		t.Fatal("first event should be SetupComplete")
	}
	a1, ok := nextEvent(t, events).(session.AudioResponse)
	if !ok {
		t.Fatal("expected first AudioResponse")
	}
	if string(a1.Data) != string(first) {
		t.Errorf("first segment = %v; want %v", a1.Data, first)
	}
	a2, ok := nextEvent(t, events).(session.AudioResponse)
	if !ok {
		t.Fatal("expected second AudioResponse")
	}
	if string(a2.Data) != string(second) {
		t.Errorf("second segment = %v; want %v", a2.Data, second)
	}
}

func TestDispatch_ModelTranscription(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "The page shows a login form."},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()
	events := l.Events()

	nextEvent(t, events) // SetupComplete
	tr, ok := nextEvent(t, events).(session.Transcript)
	if !ok {
		t.Fatal("expected Transcript event")
	}
	if tr.IsUser {
		t.Error("output transcription should not be a user transcript")
	}
	if tr.Text != "The page shows a login form." {
		t.Errorf("text = %q", tr.Text)
	}
}

func TestDispatch_MalformedFrameIsSkipped(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()
	events := l.Events()

	nextEvent(t, events) // SetupComplete
	if _, ok := nextEvent(t, events).(session.TurnComplete); !ok {
		t.Fatal("malformed frame should be skipped, next event should be TurnComplete")
	}
}

// ── Close classification ───────────────────────────────────────────────────────

func TestServerClose_NormalClosure_IsClean(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "call ended")
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()
	events := l.Events()

	nextEvent(t, events) // SetupComplete
	closed, ok := nextEvent(t, events).(session.LinkClosed)
	if !ok {
		t.Fatal("expected LinkClosed event")
	}
	if closed.Code != int(websocket.StatusNormalClosure) {
		t.Errorf("close code = %d; want 1000", closed.Code)
	}
	if closed.Err != nil {
		t.Errorf("clean close should carry no error; got %v", closed.Err)
	}
}

func TestServerClose_UncleanCode_SurfacesError(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusInternalError, "backend blew up")
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()
	events := l.Events()

	nextEvent(t, events) // SetupComplete
	closed, ok := nextEvent(t, events).(session.LinkClosed)
	if !ok {
		t.Fatal("expected LinkClosed event")
	}
	if closed.Err == nil {
		t.Fatal("unclean close should carry an error")
	}
	if !strings.Contains(closed.Err.Error(), "1011") {
		t.Errorf("error %q should embed the close code", closed.Err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := l.State(); got != session.Closed {
		t.Errorf("state = %v; want closed", got)
	}
}

func TestClose_ClosesEventChannel(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	l := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := l.Events()
	_ = l.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, open := <-events:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for event channel to close")
		}
	}
}
