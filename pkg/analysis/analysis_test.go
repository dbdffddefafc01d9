package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sationly/sationly/pkg/practice"
)

type fakeTranscriber struct {
	text     string
	err      error
	filename string
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, filename, _ string) (string, error) {
	f.filename = filename
	return f.text, f.err
}

type fakeCoach struct {
	raw    string
	err    error
	prompt Prompt
}

func (f *fakeCoach) Name() string { return "fake" }

func (f *fakeCoach) Feedback(_ context.Context, p Prompt) ([]byte, error) {
	f.prompt = p
	return []byte(f.raw), f.err
}

func TestPipeline_Analyze(t *testing.T) {
	tr := &fakeTranscriber{text: "  hello there  "}
	co := &fakeCoach{raw: `{"response":"Nice opener.","rating":72,"fixes":["Slow down"]}`}
	p := Pipeline{Transcriber: tr, Coach: co}

	turn, err := p.Analyze(context.Background(), Request{
		Audio:           []byte("audio"),
		Extension:       "m4a",
		Goal:            "job interview",
		RawGoal:         "professional",
		DurationMinutes: 5,
	})
	if err != nil {
		t.Fatalf("Analyze error: %v", err)
	}
	if turn.Transcript != "hello there" || turn.Rating != 72 || turn.Response != "Nice opener." {
		t.Fatalf("turn = %+v", turn)
	}
	if tr.filename != "audio.m4a" {
		t.Fatalf("filename = %q", tr.filename)
	}
	if co.prompt.Transcript != "hello there" || co.prompt.Goal != "job interview" {
		t.Fatalf("prompt = %+v", co.prompt)
	}
	if !strings.Contains(co.prompt.Text(), "Duration: 5 minutes") {
		t.Fatalf("prompt text = %q", co.prompt.Text())
	}
}

func TestPipeline_MalformedFeedback(t *testing.T) {
	p := Pipeline{
		Transcriber: &fakeTranscriber{text: "hi"},
		Coach:       &fakeCoach{raw: `{"response":"ok","rating":0,"fixes":["x"]}`},
	}
	_, err := p.Analyze(context.Background(), Request{Audio: []byte("a")})
	if !practice.IsKind(err, practice.KindMalformedAnalysis) {
		t.Fatalf("err = %v, want malformed analysis", err)
	}
}

func TestPipeline_EmptyAudioIsBadRequest(t *testing.T) {
	p := Pipeline{Transcriber: &fakeTranscriber{}, Coach: &fakeCoach{}}
	_, err := p.Analyze(context.Background(), Request{})
	if got := Classify(err); got.Kind != practice.KindUnsupportedFormat {
		t.Fatalf("kind = %q", got.Kind)
	}
}

func TestClassify(t *testing.T) {
	badReq := &ProviderError{Provider: "openai", StatusCode: 400, Message: "Invalid file format"}
	if got := Classify(errFmt("transcribe", badReq)); got.Kind != practice.KindUnsupportedFormat {
		t.Fatalf("400 kind = %q", got.Kind)
	}
	upstream := &ProviderError{Provider: "openai", StatusCode: 503, Message: "overloaded"}
	if got := Classify(upstream); got.Kind != practice.KindServiceError {
		t.Fatalf("503 kind = %q", got.Kind)
	}
	if got := Classify(practice.MalformedAnalysis("bad")); got.Kind != practice.KindMalformedAnalysis {
		t.Fatalf("malformed kind = %q", got.Kind)
	}
	if Classify(nil) != nil {
		t.Fatal("Classify(nil) should be nil")
	}
}

func errFmt(op string, err error) error {
	return &wrapped{op: op, err: err}
}

type wrapped struct {
	op  string
	err error
}

func (w *wrapped) Error() string { return w.op + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

func TestOpenAITranscriber_SendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("model") != DefaultOpenAITranscriber || r.FormValue("response_format") != "text" {
			t.Errorf("form = %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if string(data) != "audio-bytes" || hdr.Filename != "audio.webm" {
				t.Errorf("file = %q name=%q", data, hdr.Filename)
			}
		}
		_, _ = io.WriteString(w, "hello world\n")
	}))
	defer srv.Close()

	tr := NewOpenAITranscriber("sk-test", "", srv.URL, srv.Client())
	text, err := tr.Transcribe(context.Background(), []byte("audio-bytes"), "audio.webm", "audio/webm")
	if err != nil {
		t.Fatalf("Transcribe error: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("text = %q", text)
	}
}

func TestOpenAITranscriber_BadRequestIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid file format."}}`)
	}))
	defer srv.Close()

	_, err := NewOpenAITranscriber("k", "", srv.URL, srv.Client()).Transcribe(context.Background(), []byte("x"), "audio.webm", "")
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.BadRequest() || pe.Message != "Invalid file format." {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenAICoach_StructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != DefaultOpenAICoach || req.Text.Format.Type != "json_schema" || !req.Text.Format.Strict {
			t.Errorf("request = %+v", req)
		}
		if len(req.Input) != 2 || req.Input[0].Role != "system" {
			t.Errorf("input = %+v", req.Input)
		}
		_, _ = io.WriteString(w, `{"output":[{"type":"message","content":[{"type":"output_text","text":"{\"response\":\"Good\",\"rating\":64,\"fixes\":[\"Pause less\"]}"}]}]}`)
	}))
	defer srv.Close()

	raw, err := NewOpenAICoach("k", "", srv.URL, srv.Client()).Feedback(context.Background(), Prompt{Transcript: "hi"})
	if err != nil {
		t.Fatalf("Feedback error: %v", err)
	}
	turn, err := practice.DecodeTurn(raw, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if turn.Rating != 64 || turn.Fixes[0] != "Pause less" {
		t.Fatalf("turn = %+v", turn)
	}
}

func TestExtractFeedback_FallsBackToOutputText(t *testing.T) {
	text := `{"response":"r","rating":5,"fixes":["f"]}`
	resp := responsesResponse{OutputText: &text}
	out, ok := extractFeedback(resp)
	if !ok || string(out) != text {
		t.Fatalf("out=%q ok=%v", out, ok)
	}

	plain := "not json"
	if _, ok := extractFeedback(responsesResponse{OutputText: &plain}); ok {
		t.Fatal("plain text should not be accepted")
	}
}

func TestCartesiaTranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stt" || r.Header.Get("Cartesia-Version") != cartesiaVersion {
			t.Errorf("path=%q version=%q", r.URL.Path, r.Header.Get("Cartesia-Version"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("model") != "ink-whisper" || r.FormValue("language") != "en" {
			t.Errorf("form = %v", r.MultipartForm.Value)
		}
		_, hdr, _ := r.FormFile("file")
		if hdr == nil || hdr.Filename != "audio.webm" {
			t.Errorf("file header = %+v", hdr)
		}
		_, _ = io.WriteString(w, `{"text":"hey","language":"en","duration":1.2}`)
	}))
	defer srv.Close()

	tr := NewCartesiaTranscriber("k", "", "en", srv.Client()).WithBaseURL(srv.URL)
	if tr.Name() != "cartesia" {
		t.Fatalf("name = %q", tr.Name())
	}
	text, err := tr.Transcribe(context.Background(), []byte("x"), "audio.3gp", "audio/3gpp")
	if err != nil {
		t.Fatalf("Transcribe error: %v", err)
	}
	if text != "hey" {
		t.Fatalf("text = %q", text)
	}
}

func TestNewPipeline_SelectsProviders(t *testing.T) {
	p, err := NewPipeline(context.Background(), Options{OpenAIKey: "k"})
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	if p.Transcriber.Name() != "openai" || p.Coach.Name() != "openai" {
		t.Fatalf("providers = %s/%s", p.Transcriber.Name(), p.Coach.Name())
	}

	p, err = NewPipeline(context.Background(), Options{Transcriber: "cartesia", CartesiaKey: "c", OpenAIKey: "k"})
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	if p.Transcriber.Name() != "cartesia" {
		t.Fatalf("transcriber = %s", p.Transcriber.Name())
	}

	if _, err := NewPipeline(context.Background(), Options{}); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := NewPipeline(context.Background(), Options{Transcriber: "whisperx", OpenAIKey: "k"}); err == nil {
		t.Fatal("expected unknown provider error")
	}
}
