package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/st-keller/codekeeper-agent/publish"
	"github.com/st-keller/codekeeper-agent/standard"
)

const natsLogPrefix = "transport:nats"

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "codekeeper"

// ConnectNATS connects to a NATS server with reconnect handling.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to NATS at %s as %s", natsLogPrefix, url, name))

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - NATS disconnected: %v", natsLogPrefix, err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS reconnected to %s", natsLogPrefix, nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS connection closed", natsLogPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", natsLogPrefix, err)
	}
	return nc, nil
}

// UploadReply is the collector's answer to an upload request.
type UploadReply struct {
	OK    bool   `json:"ok"`
	Fatal bool   `json:"fatal,omitempty"`
	Error string `json:"error,omitempty"`
}

// NATSUploader sends uploads as request/reply on <prefix>.upload.<kind>.
// Metadata travels in message headers named like the HTTP upload headers.
type NATSUploader struct {
	nc           *nats.Conn
	prefix       string
	timeout      time.Duration
	connectivity *standard.ConnectivityTracker
}

// NewNATSUploader creates an uploader on an existing connection.
func NewNATSUploader(nc *nats.Conn, prefix string, timeout time.Duration, connectivity *standard.ConnectivityTracker) *NATSUploader {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NATSUploader{nc: nc, prefix: prefix, timeout: timeout, connectivity: connectivity}
}

// Subject returns the upload subject for a publisher kind.
func (u *NATSUploader) Subject(kind publish.Kind) string {
	return u.prefix + ".upload." + string(kind)
}

// Upload implements publish.Uploader.
func (u *NATSUploader) Upload(ctx context.Context, up publish.Upload) error {
	msg := nats.NewMsg(u.Subject(up.Kind))
	msg.Data = up.Body
	msg.Header.Set(HeaderLicenseKey, up.LicenseKey)
	msg.Header.Set(HeaderFingerprint, up.Fingerprint)
	msg.Header.Set(HeaderSequenceNumber, strconv.FormatInt(up.SequenceNumber, 10))
	msg.Header.Set(HeaderBatchSize, strconv.Itoa(up.BatchSizeHint))
	msg.Header.Set(HeaderRunUUID, up.RunUUID)

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	endpoint := "nats-upload-" + string(up.Kind)
	startTime := time.Now()
	resp, err := u.nc.RequestMsgWithContext(ctx, msg)
	latency := time.Since(startTime)
	if err != nil {
		u.track(endpoint, latency, err.Error())
		return publish.NewRetryable(fmt.Errorf("%s - request failed: %w", natsLogPrefix, err), 0)
	}

	var reply UploadReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		u.track(endpoint, latency, err.Error())
		return publish.NewRetryable(fmt.Errorf("%s - invalid reply: %w", natsLogPrefix, err), 0)
	}
	if reply.OK {
		u.track(endpoint, latency, "")
		return nil
	}

	msgText := reply.Error
	if msgText == "" {
		msgText = "upload rejected"
	}
	u.track(endpoint, latency, msgText)
	if reply.Fatal {
		return publish.NewFatal(errors.New(msgText), 0)
	}
	return publish.NewRetryable(errors.New(msgText), 0)
}

func (u *NATSUploader) track(endpoint string, latency time.Duration, errMsg string) {
	if u.connectivity == nil {
		return
	}
	url := u.nc.ConnectedUrl()
	if errMsg == "" {
		u.connectivity.TrackSuccess(endpoint, url, latency)
		return
	}
	u.connectivity.TrackFailure(endpoint, url, latency, errMsg)
}
