package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/koe-relay/internal/upstream"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const speechAPIEndpointPort = 443

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
}

// CloudSpeechDialer opens Speech-to-Text v2 streaming recognize calls.
type CloudSpeechDialer struct {
	projectID       string
	credentialsJSON string
	location        string
}

func NewCloudSpeechDialer(cfg CloudSpeechConfig) *CloudSpeechDialer {
	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = "global"
	}
	return &CloudSpeechDialer{
		projectID:       strings.TrimSpace(cfg.ProjectID),
		credentialsJSON: cfg.CredentialsJSON,
		location:        location,
	}
}

func (d *CloudSpeechDialer) Validate() error {
	if d.projectID == "" {
		return fmt.Errorf("%w: google cloud project id is empty", upstream.ErrMissingCredentials)
	}
	if strings.TrimSpace(d.credentialsJSON) == "" {
		return fmt.Errorf("%w: google cloud credentials are empty", upstream.ErrMissingCredentials)
	}
	return nil
}

func (d *CloudSpeechDialer) Dial(ctx context.Context, cfg upstream.ProviderConfig, receiver upstream.Receiver) (upstream.Conn, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	encoding, err := explicitEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	slog.Info("starting cloud speech streaming", "location", d.location, "language", cfg.Language, "model", cfg.Model)

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(d.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}
	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if d.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", d.location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	// The stream outlives the dial context, which only bounds connection setup.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("open streaming recognize: %w", err)
	}

	return &cloudSpeechConn{
		client:     client,
		stream:     stream,
		cancel:     cancel,
		receiver:   receiver,
		recognizer: fmt.Sprintf("projects/%s/locations/%s/recognizers/_", d.projectID, d.location),
		cfg:        cfg,
		encoding:   encoding,
		done:       make(chan struct{}),
	}, nil
}

func explicitEncoding(name string) (speechpb.ExplicitDecodingConfig_AudioEncoding, error) {
	switch strings.ToLower(name) {
	case "", "linear16", "pcm_s16le":
		return speechpb.ExplicitDecodingConfig_LINEAR16, nil
	case "mulaw":
		return speechpb.ExplicitDecodingConfig_MULAW, nil
	case "alaw":
		return speechpb.ExplicitDecodingConfig_ALAW, nil
	}
	return 0, fmt.Errorf("cloud speech does not accept raw %q audio", name)
}

type cloudSpeechConn struct {
	client     *speech.Client
	stream     speechpb.Speech_StreamingRecognizeClient
	cancel     context.CancelFunc
	receiver   upstream.Receiver
	recognizer string
	cfg        upstream.ProviderConfig
	encoding   speechpb.ExplicitDecodingConfig_AudioEncoding

	mu        sync.Mutex
	closed    bool
	startOnce sync.Once
	done      chan struct{}
}

func (c *cloudSpeechConn) Configure(_ context.Context) error {
	channels := c.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	req := &speechpb.StreamingRecognizeRequest{
		Recognizer: c.recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         c.cfg.Model,
					LanguageCodes: []string{c.cfg.Language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          c.encoding,
							SampleRateHertz:   int32(c.cfg.SampleRate),
							AudioChannelCount: int32(channels),
						},
					},
					Features: &speechpb.RecognitionFeatures{},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: c.cfg.InterimResults},
			},
		},
	}
	c.mu.Lock()
	err := c.stream.Send(req)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("send streaming config: %w", err)
	}
	c.startOnce.Do(func() { go c.receive() })
	slog.Info("cloud speech stream initialized", "recognizer", c.recognizer)
	return nil
}

func (c *cloudSpeechConn) Send(audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	return c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: audio},
	})
}

// KeepAlive is a no-op: the gRPC stream has its own transport keepalive and
// Speech-to-Text has no idle ping message.
func (c *cloudSpeechConn) KeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	return nil
}

func (c *cloudSpeechConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sendErr := c.stream.CloseSend()
	c.mu.Unlock()

	c.startOnce.Do(func() { close(c.done) })
	select {
	case <-c.done:
	case <-time.After(closeGracePeriod):
	}
	c.cancel()
	if err := c.client.Close(); err != nil {
		return err
	}
	return sendErr
}

func (c *cloudSpeechConn) receive() {
	defer close(c.done)
	for {
		resp, err := c.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !isStreamEnd(err) {
				slog.Warn("cloud speech receive loop ended", "error", err)
			}
			c.receiver.OnEvent(upstream.Event{Kind: upstream.EventClosed, Err: err})
			return
		}
		results := resp.GetResults()
		if len(results) == 0 {
			c.receiver.OnEvent(upstream.Event{Kind: upstream.EventActivity})
			continue
		}
		now := time.Now()
		for _, result := range results {
			if len(result.GetAlternatives()) == 0 {
				continue
			}
			c.receiver.OnEvent(upstream.Event{
				Kind: upstream.EventTranscript,
				Transcript: upstream.Transcript{
					Text:       result.GetAlternatives()[0].GetTranscript(),
					IsFinal:    result.GetIsFinal(),
					ReceivedAt: now,
				},
			})
		}
	}
}

// isStreamEnd reports errors that mean the provider finished the stream
// rather than failed it.
func isStreamEnd(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return strings.Contains(err.Error(), "context canceled")
	}
	if st.Code() == codes.Canceled {
		return true
	}
	if st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}
