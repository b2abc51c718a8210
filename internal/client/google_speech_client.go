package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/makeasinger/pitchtrainer/internal/config"
)

// Segment is one recognized phrase with its start offset in seconds.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

const speechChunkBytes = 32 * 1024

// GoogleSpeechClient streams LINEAR16 audio to Cloud Speech-to-Text.
type GoogleSpeechClient struct {
	credentialsFile string
	languageCode    string
	sampleRate      int
	timeout         time.Duration
}

// NewGoogleSpeechClient creates the primary speech engine. The gRPC
// connection is opened per call so an unconfigured engine costs nothing.
func NewGoogleSpeechClient(cfg *config.GoogleConfig, timeout time.Duration) *GoogleSpeechClient {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &GoogleSpeechClient{
		credentialsFile: cfg.CredentialsFile,
		languageCode:    cfg.LanguageCode,
		sampleRate:      cfg.SampleRate,
		timeout:         timeout,
	}
}

// IsConfigured reports whether credentials are available, either through
// an explicit file or the standard application-default variable.
func (c *GoogleSpeechClient) IsConfigured() bool {
	return c.credentialsFile != "" || os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != ""
}

// SampleRate returns the rate audio must be encoded at.
func (c *GoogleSpeechClient) SampleRate() int {
	return c.sampleRate
}

// Transcribe streams the mono PCM WAV at path and returns one segment per
// final result, timed by its first word.
func (c *GoogleSpeechClient) Transcribe(ctx context.Context, path string) ([]Segment, error) {
	if !c.IsConfigured() {
		return nil, &ToolError{Tool: "google-speech", Kind: ErrToolUnavailable, Err: errors.New("no credentials configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var opts []option.ClientOption
	if c.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.credentialsFile))
	}
	sc, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, &ToolError{Tool: "google-speech", Kind: ErrToolUnavailable, Err: err}
	}
	defer sc.Close()

	f, err := os.Open(path)
	if err != nil {
		return nil, &ToolError{Tool: "google-speech", Kind: ErrOutputMissing, Path: path, Err: err}
	}
	defer f.Close()

	stream, err := sc.StreamingRecognize(ctx)
	if err != nil {
		return nil, &ToolError{Tool: "google-speech", Kind: ErrToolFailed, Err: err}
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:              speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:       int32(c.sampleRate),
					LanguageCode:          c.languageCode,
					EnableWordTimeOffsets: true,
				},
				InterimResults: false,
			},
		},
	}); err != nil {
		return nil, &ToolError{Tool: "google-speech", Kind: ErrToolFailed, Err: fmt.Errorf("send config: %w", err)}
	}

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sendAudio(stream, f)
	}()

	var segments []Segment
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &ToolError{Tool: "google-speech", Kind: ErrToolTimeout, Err: fmt.Errorf("after %s", c.timeout)}
			}
			return nil, &ToolError{Tool: "google-speech", Kind: ErrToolFailed, Err: err}
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			return nil, &ToolError{Tool: "google-speech", Kind: ErrToolFailed, Err: errors.New(st.GetMessage())}
		}
		segments = append(segments, segmentsFromResults(resp.GetResults())...)
	}

	if err := <-sendErr; err != nil {
		return nil, &ToolError{Tool: "google-speech", Kind: ErrToolFailed, Err: err}
	}
	return segments, nil
}

func sendAudio(stream speechpb.Speech_StreamingRecognizeClient, r io.Reader) error {
	buf := make([]byte, speechChunkBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: buf[:n],
				},
			}); sendErr != nil {
				return fmt.Errorf("send audio: %w", sendErr)
			}
		}
		if err == io.EOF {
			return stream.CloseSend()
		}
		if err != nil {
			_ = stream.CloseSend()
			return fmt.Errorf("read audio: %w", err)
		}
	}
}

func segmentsFromResults(results []*speechpb.StreamingRecognitionResult) []Segment {
	var out []Segment
	for _, result := range results {
		if !result.GetIsFinal() {
			continue
		}
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		alt := alts[0]
		words := alt.GetWords()
		text := strings.TrimSpace(alt.GetTranscript())
		if len(words) == 0 || text == "" {
			continue
		}
		out = append(out, Segment{
			Start: words[0].GetStartTime().AsDuration().Seconds(),
			End:   words[len(words)-1].GetEndTime().AsDuration().Seconds(),
			Text:  text,
		})
	}
	return out
}
