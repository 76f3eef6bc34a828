package cloudspeech

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/petems/scribe-tray/internal/transcribe"
)

const (
	speechAPIEndpointPort = 443
	sampleRateHertz       = 16000
)

type Config struct {
	ProjectID       string
	CredentialsJSON string
	Language        string
	Location        string
	Model           string
}

// client is the subset of the Speech v2 client the recognizer needs.
type client interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

// Recognizer sends each chunk to Cloud Speech v2 as one synchronous
// LINEAR16 request. Audio is held only in memory for the duration of the
// call.
type Recognizer struct {
	cfg        Config
	recognizer string
	log        zerolog.Logger

	mu        sync.Mutex
	client    client
	newClient func(ctx context.Context) (client, error)
}

func New(cfg Config, log zerolog.Logger) *Recognizer {
	cfg.Location = strings.TrimSpace(cfg.Location)
	if cfg.Location == "" {
		cfg.Location = "global"
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	r := &Recognizer{
		cfg:        cfg,
		recognizer: fmt.Sprintf("projects/%s/locations/%s/recognizers/_", cfg.ProjectID, cfg.Location),
		log:        log.With().Str("component", "cloudspeech").Logger(),
	}
	r.newClient = r.dial
	return r
}

func (r *Recognizer) dial(ctx context.Context) (client, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(r.cfg.CredentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}

	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if r.cfg.Location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", r.cfg.Location, speechAPIEndpointPort)))
	}

	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	r.log.Info().Str("location", r.cfg.Location).Str("model", r.cfg.Model).Msg("Cloud Speech client ready")
	return &speechClient{c: c}, nil
}

func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, opts transcribe.Options) ([]transcribe.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		c, err := r.newClient(ctx)
		if err != nil {
			return nil, err
		}
		r.client = c
	}

	language := opts.Language
	if language == "" || language == "auto" {
		language = r.cfg.Language
	}

	pcm := encodeLinear16(samples)
	defer clear(pcm)

	resp, err := r.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Recognizer: r.recognizer,
		Config: &speechpb.RecognitionConfig{
			Model:         r.cfg.Model,
			LanguageCodes: []string{language},
			DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
				ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
					Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
					SampleRateHertz:   sampleRateHertz,
					AudioChannelCount: 1,
				},
			},
			Features: &speechpb.RecognitionFeatures{},
		},
		AudioSource: &speechpb.RecognizeRequest_Content{Content: pcm},
	})
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	return toResults(resp), nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// toResults turns consecutive result end offsets into spans.
func toResults(resp *speechpb.RecognizeResponse) []transcribe.Result {
	var results []transcribe.Result
	var prevEnd time.Duration
	for _, res := range resp.GetResults() {
		end := res.GetResultEndOffset().AsDuration()
		start := prevEnd
		prevEnd = max(end, prevEnd)
		if len(res.GetAlternatives()) == 0 {
			continue
		}
		results = append(results, transcribe.Result{
			Start: start,
			End:   max(end, start),
			Text:  res.GetAlternatives()[0].GetTranscript(),
		})
	}
	return results
}

func encodeLinear16(samples []float32) []byte {
	pcm := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(math.Round(v*math.MaxInt16))))
	}
	return pcm
}

type speechClient struct {
	c *speech.Client
}

func (s *speechClient) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return s.c.Recognize(ctx, req)
}

func (s *speechClient) Close() error {
	return s.c.Close()
}
