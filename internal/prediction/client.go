package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	apperrors "plantmeds/internal/errors"
	"plantmeds/internal/intake"
	"plantmeds/pkg/models"
)

const (
	// ImageField is the multipart field the prediction service reads
	ImageField = "image"

	InvalidResponseMessage = "Invalid response format from server."
	ConnectivityMessage    = "Unable to connect to the server or process the request."

	maxResponseBytes = 1 << 20
)

// Predictor sends an image to the prediction service
type Predictor interface {
	// Predict always returns a usable result. The error is non-nil exactly when
	// the result is a failure and carries the underlying *errors.AppError.
	Predict(ctx context.Context, file intake.File) (models.DiagnosisResult, error)
}

// Client implements Predictor over HTTP
type Client struct {
	endpoint *url.URL
	client   *http.Client
	now      func() time.Time
	tracer   oteltrace.Tracer
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithClock replaces the clock used for the cache-busting timestamp
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the given /predict endpoint
func NewClient(endpoint string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid prediction endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid prediction endpoint: %q", endpoint)
	}

	// Connection pooling sized for one upload at a time per browser session
	transport := &http.Transport{
		MaxIdleConns:           10,
		MaxIdleConnsPerHost:    4,
		IdleConnTimeout:        30 * time.Second,
		TLSHandshakeTimeout:    10 * time.Second,
		ExpectContinueTimeout:  1 * time.Second,
		MaxResponseHeaderBytes: 4096,
	}

	c := &Client{
		endpoint: u,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		now:    time.Now,
		tracer: otel.Tracer("plantmeds/prediction"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Predict issues a single POST with the image under the "image" field.
// Failures are never retried.
func (c *Client) Predict(ctx context.Context, file intake.File) (models.DiagnosisResult, error) {
	ctx, span := c.tracer.Start(ctx, "prediction.predict")
	defer span.End()
	span.SetAttributes(
		attribute.String("prediction.endpoint", c.endpoint.Redacted()),
		attribute.String("prediction.media_type", file.MediaType),
		attribute.Int("prediction.image_bytes", len(file.Data)),
	)

	result, err := c.predict(ctx, file, span)

	span.SetAttributes(attribute.String("prediction.outcome", string(result.Kind)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result.Message())
	}
	return result, err
}

func (c *Client) predict(ctx context.Context, file intake.File, span oteltrace.Span) (models.DiagnosisResult, error) {
	body, contentType, err := encodeImage(file)
	if err != nil {
		return transportFailure(fmt.Errorf("encode multipart body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(), body)
	if err != nil {
		return transportFailure(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "PlantMEDS/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return transportFailure(err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportFailure(fmt.Errorf("read response: %w", err))
	}

	return Decode(resp.StatusCode, data)
}

// requestURL adds the cache-busting timestamp in epoch milliseconds
func (c *Client) requestURL() string {
	u := *c.endpoint
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func encodeImage(file intake.File) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	name := file.Name
	if name == "" {
		name = "upload"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, ImageField, name))
	h.Set("Content-Type", file.MediaType)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

// Decode applies the response validation policy to a received body:
// all three diagnosis fields win, then an explicit error, then invalid format.
// A non-2xx body that is not a JSON object counts as a transport failure.
func Decode(statusCode int, body []byte) (models.DiagnosisResult, error) {
	ok2xx := statusCode >= 200 && statusCode < 300

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		if !ok2xx {
			return transportFailure(fmt.Errorf("status %d with unparseable body", statusCode))
		}
		return malformed(fmt.Errorf("response is not a JSON object"))
	}

	diseaseName := stringField(fields, "disease_name")
	cure := stringField(fields, "cure")
	precaution := stringField(fields, "precaution")
	if diseaseName != "" && cure != "" && precaution != "" {
		return models.Succeeded(models.Diagnosis{
			DiseaseName:    diseaseName,
			Cure:           cure,
			Precaution:     precaution,
			Confidence:     scalarField(fields, "confidence"),
			PredictedClass: intField(fields, "predicted_class"),
		}), nil
	}

	if msg := stringField(fields, "error"); msg != "" {
		return failure(models.ResultServerReported, apperrors.NewServerReportedError(msg, statusCode))
	}

	return malformed(fmt.Errorf("response has neither diagnosis fields nor error (status %d)", statusCode))
}

func transportFailure(cause error) (models.DiagnosisResult, error) {
	return failure(models.ResultTransportFailure, apperrors.NewTransportError(ConnectivityMessage, cause))
}

func malformed(cause error) (models.DiagnosisResult, error) {
	return failure(models.ResultMalformedResponse, apperrors.NewMalformedResponseError(InvalidResponseMessage, cause))
}

// failure pairs the shown result with the error it came from
func failure(kind models.ResultKind, err *apperrors.AppError) (models.DiagnosisResult, error) {
	return models.Failed(kind, err.Message, err.Retryable()), err
}

// stringField returns a JSON string value, or "" if absent or not a string
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// scalarField accepts either a string or a number
func scalarField(fields map[string]json.RawMessage, key string) string {
	if s := stringField(fields, key); s != "" {
		return s
	}
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}

func intField(fields map[string]json.RawMessage, key string) *int {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	return &n
}
