package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"plantmeds/internal/intake"
	"plantmeds/internal/observer"
	"plantmeds/internal/prediction"
	"plantmeds/pkg/models"
)

var (
	// ErrNoImage is returned by Submit when no image is held; no request is issued
	ErrNoImage = errors.New("no image selected")
	// ErrSubmissionPending is returned by Submit while a request is in flight
	ErrSubmissionPending = errors.New("submission already pending")
	// ErrClosed is returned by every operation on a torn-down view
	ErrClosed = errors.New("diagnosis view closed")
)

// flight is one outstanding prediction request
type flight struct {
	generation uint64
	done       chan struct{}
	started    time.Time
}

// View is the per-browser diagnosis state machine:
// Idle -> Ready -> Pending -> Settled. Every transition that resets the view
// bumps the generation; a response whose flight is no longer current is dropped.
type View struct {
	id        string
	intake    *intake.Intake
	predictor prediction.Predictor
	events    observer.Subject
	timeout   time.Duration

	mu         sync.Mutex
	state      models.ViewState
	image      *intake.SelectedImage
	result     *models.DiagnosisResult
	alert      string
	generation uint64
	pending    *flight
	closed     bool
}

// NewView creates an idle view. timeout bounds each prediction request,
// independently of the HTTP request that triggered it.
func NewView(id string, in *intake.Intake, predictor prediction.Predictor, events observer.Subject, timeout time.Duration) *View {
	return &View{
		id:        id,
		intake:    in,
		predictor: predictor,
		events:    events,
		timeout:   timeout,
		state:     models.StateIdle,
	}
}

// ID returns the identifier the view was created with
func (v *View) ID() string {
	return v.id
}

// Select replaces the held image. A valid image moves the view to Ready; any
// other file moves it to Idle with an alert and returns an error wrapping
// intake.ErrInvalidFileType. Either way the previous result is cleared and an
// in-flight response, if any, will be discarded.
func (v *View) Select(ctx context.Context, file intake.File) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}

	img, err := v.intake.Select(v.image, file)
	if err != nil {
		event := v.rejectLocked(file, err)
		v.mu.Unlock()
		v.publish(ctx, event)
		return err
	}

	v.reset()
	v.image = img
	v.state = models.StateReady
	event := observer.DiagnosisEvent{
		EventType:  observer.ImageSelected,
		SessionID:  v.id,
		Generation: v.generation,
		FileName:   file.Name,
		Metadata:   map[string]interface{}{"media_type": file.MediaType, "bytes": len(file.Data)},
	}
	v.mu.Unlock()

	v.publish(ctx, event)
	return nil
}

// Reject records a selection that failed before reaching the intake, such as
// an upload cut off at the size limit or a form without a file. The view moves
// to Idle with an alert exactly as for an invalid file. The returned error
// wraps intake.ErrInvalidFileType and cause.
func (v *View) Reject(ctx context.Context, file intake.File, cause error) error {
	err := fmt.Errorf("%w: %w", intake.ErrInvalidFileType, cause)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	event := v.rejectLocked(file, err)
	v.mu.Unlock()

	v.publish(ctx, event)
	return err
}

// rejectLocked drops the held image and shows the alert for err. Callers hold v.mu.
func (v *View) rejectLocked(file intake.File, err error) observer.DiagnosisEvent {
	v.reset()
	v.intake.Release(v.image)
	v.image = nil
	v.alert = intake.AlertFor(err)
	v.state = models.StateIdle
	return observer.DiagnosisEvent{
		EventType:    observer.ImageRejected,
		SessionID:    v.id,
		Generation:   v.generation,
		FileName:     file.Name,
		ErrorMessage: err.Error(),
		Metadata:     map[string]interface{}{"media_type": file.MediaType},
	}
}

// Submit sends the held image for prediction and moves the view to Pending.
// The returned channel is closed once this submission settles or is discarded.
// The request is detached from ctx cancellation; only its values are kept.
func (v *View) Submit(ctx context.Context) (<-chan struct{}, error) {
	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return nil, ErrClosed
	case v.pending != nil:
		v.mu.Unlock()
		return nil, ErrSubmissionPending
	case v.image == nil:
		v.mu.Unlock()
		return nil, ErrNoImage
	}

	v.reset()
	f := &flight{
		generation: v.generation,
		done:       make(chan struct{}),
		started:    time.Now(),
	}
	v.pending = f
	v.state = models.StatePending
	file := v.image.File
	v.mu.Unlock()

	v.publish(ctx, observer.DiagnosisEvent{
		EventType:  observer.SubmissionStarted,
		SessionID:  v.id,
		Generation: f.generation,
		FileName:   file.Name,
	})

	go v.run(context.WithoutCancel(ctx), f, file)
	return f.done, nil
}

func (v *View) run(ctx context.Context, f *flight, file intake.File) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result, err := v.predictor.Predict(ctx, file)

	event := observer.DiagnosisEvent{
		SessionID:      v.id,
		Generation:     f.generation,
		FileName:       file.Name,
		ProcessingTime: time.Since(f.started),
		Outcome:        string(result.Kind),
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	}

	v.mu.Lock()
	if v.pending != f {
		v.mu.Unlock()
		event.EventType = observer.SubmissionDiscarded
		v.publish(ctx, event)
		return
	}
	v.result = &result
	v.state = models.StateSettled
	v.pending = nil
	v.mu.Unlock()

	// f is no longer reachable from reset, so closing done here cannot race
	event.EventType = observer.SubmissionSettled
	v.publish(ctx, event)
	close(f.done)
}

// Close tears the view down, releasing its preview. A pending response will be discarded.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.reset()
	v.intake.Release(v.image)
	v.image = nil
	v.state = models.StateIdle
	generation := v.generation
	v.mu.Unlock()

	v.publish(context.Background(), observer.DiagnosisEvent{
		EventType:  observer.ViewClosed,
		SessionID:  v.id,
		Generation: generation,
	})
}

// Snapshot returns a consistent copy of what the view currently shows
func (v *View) Snapshot() models.ViewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := models.ViewSnapshot{
		State:      v.state,
		Generation: v.generation,
		Loading:    v.state == models.StatePending,
		Alert:      v.alert,
	}
	if v.image != nil {
		snap.PreviewURL = v.image.PreviewURL
		snap.FileName = v.image.File.Name
	}
	if v.state == models.StateSettled && v.result != nil {
		r := *v.result
		snap.Result = &r
	}
	return snap
}

// reset starts a new generation: the result and alert are cleared and any
// outstanding flight is abandoned. Callers hold v.mu.
func (v *View) reset() {
	v.generation++
	v.result = nil
	v.alert = ""
	if v.pending != nil {
		close(v.pending.done)
		v.pending = nil
	}
}

func (v *View) publish(ctx context.Context, event observer.DiagnosisEvent) {
	if v.events == nil {
		return
	}
	v.events.NotifyObservers(ctx, event)
}
