package espeak

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

const voicesTable = `Pty Language       Age/Gender VoiceName          File                 Other Languages
 5  af              --/M      Afrikaans          gmw/af
 5  de              --/M      German             gmw/de
 2  en-gb           --/M      English_(Great_Britain) gmw/en            (en 2)
 2  en-us           --/M      English_(America)  gmw/en-US            (en-r 5)(en 5)
garbage
`

func TestParseVoices(t *testing.T) {
	t.Parallel()

	voices := parseVoices([]byte(voicesTable))
	if len(voices) != 4 {
		t.Fatalf("got %d voices, want 4: %+v", len(voices), voices)
	}
	want := types.VoiceProfile{
		ID:       "en-us",
		Name:     "English (America)",
		Language: "en-us",
		Provider: "espeak",
	}
	if voices[3] != want {
		t.Errorf("voices[3] = %+v, want %+v", voices[3], want)
	}
	if !voices[2].Default {
		t.Error("en-gb should be marked as default")
	}

	v, _ := tts.SelectVoice(voices, "de-CH")
	if v.ID != "de" {
		t.Errorf("SelectVoice(de-CH) = %q, want de", v.ID)
	}
}

func TestNew_MissingBinary(t *testing.T) {
	t.Parallel()

	_, err := New(WithBinary(filepath.Join(t.TempDir(), "no-such-espeak")))
	if !errors.Is(err, tts.ErrUnavailable) {
		t.Fatalf("New error = %v, want ErrUnavailable", err)
	}
}

// fakeEspeak writes a shell script that prints voicesTable for --voices and
// otherwise records its arguments and stdin before sleeping for sleep.
func fakeEspeak(t *testing.T, sleep string) (bin, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	dir = t.TempDir()
	bin = filepath.Join(dir, "espeak-ng")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--voices\" ]; then\ncat <<'EOF'\n" + voicesTable + "EOF\nexit 0\nfi\n" +
		"echo \"$@\" > " + filepath.Join(dir, "args") + "\n" +
		"cat > " + filepath.Join(dir, "stdin") + "\n" +
		"exec sleep " + sleep + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, dir
}

func waitDone(t *testing.T, u tts.Utterance) {
	t.Helper()
	select {
	case <-u.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("utterance did not finish")
	}
}

func TestSynthesizer_SpeakAndList(t *testing.T) {
	t.Parallel()

	bin, dir := fakeEspeak(t, "0")
	s, err := New(WithBinary(bin), WithRate(160))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := s.ListVoices(t.Context())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 4 {
		t.Fatalf("got %d voices, want 4", len(voices))
	}

	u, err := s.Speak(t.Context(), "-v hello there", types.VoiceProfile{ID: "de"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	select {
	case <-u.Started():
	default:
		t.Fatal("Started should be closed once the process runs")
	}
	waitDone(t, u)
	if err := u.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}

	args, _ := os.ReadFile(filepath.Join(dir, "args"))
	if got := strings.TrimSpace(string(args)); got != "--stdin -v de -s 160" {
		t.Errorf("args = %q", got)
	}
	stdin, _ := os.ReadFile(filepath.Join(dir, "stdin"))
	if string(stdin) != "-v hello there" {
		t.Errorf("stdin = %q", stdin)
	}
}

func TestSynthesizer_CancelStopsUtterance(t *testing.T) {
	t.Parallel()

	bin, _ := fakeEspeak(t, "30")
	s, err := New(WithBinary(bin))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, err := s.Speak(t.Context(), "long text", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	s.Cancel()
	waitDone(t, u)
	if !errors.Is(u.Err(), context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", u.Err())
	}
	s.Cancel()
}

func TestSynthesizer_SpeakReplacesPrevious(t *testing.T) {
	t.Parallel()

	bin, _ := fakeEspeak(t, "30")
	s, err := New(WithBinary(bin))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, err := s.Speak(t.Context(), "one", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	second, err := s.Speak(t.Context(), "two", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	waitDone(t, first)
	if !errors.Is(first.Err(), context.Canceled) {
		t.Errorf("first Err = %v, want context.Canceled", first.Err())
	}
	select {
	case <-second.Done():
		t.Fatal("second utterance ended early")
	default:
	}
	s.Cancel()
	waitDone(t, second)
}
