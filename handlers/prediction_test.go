package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"fluxpredict/db"
	"fluxpredict/logging"
	"fluxpredict/metrics"
	"fluxpredict/predict"
	"fluxpredict/shutdown"
)

type fakePredictor struct {
	res *predict.Result
	err error
	ran int
}

func (f *fakePredictor) Status() string { return predict.StatusReady }

func (f *fakePredictor) Run(ctx context.Context, id string, req predict.Request, emit predict.EmitFunc) (*predict.Result, error) {
	f.ran++
	if f.res != nil && emit != nil {
		for _, o := range f.res.Outputs {
			if err := emit(o); err != nil {
				return f.res, err
			}
		}
	}
	return f.res, f.err
}

type memLedger struct {
	mu          sync.Mutex
	created     []db.Prediction
	started     []string
	completions []db.Completion
}

func (l *memLedger) CreatePrediction(ctx context.Context, p db.Prediction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, p)
	return nil
}

func (l *memLedger) MarkStarted(ctx context.Context, id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, id)
	return nil
}

func (l *memLedger) Complete(ctx context.Context, c db.Completion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completions = append(l.completions, c)
	return nil
}

func validRequest() predict.Request {
	req := predict.DefaultRequest()
	req.Prompt = "a heron"
	return req
}

func testLogger(t *testing.T) *logging.Logger {
	return logging.FromZap(zaptest.NewLogger(t))
}

func TestHandle_RecordsSuccess(t *testing.T) {
	fp := &fakePredictor{res: &predict.Result{
		ID: "p1", Seed: 77, Generated: 2, Accepted: 1,
		Outputs: []predict.Output{{Index: 0, Path: "outputs/p1/out-0.webp", Format: "webp"}},
	}}
	ledger := &memLedger{}
	h := NewPredictionHandler(fp, ledger, nil, "procedural", testLogger(t))

	var emitted int
	res, err := h.Handle(context.Background(), "p1", db.SourceHTTP, validRequest(), func(predict.Output) error {
		emitted++
		return nil
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Accepted != 1 || emitted != 1 {
		t.Errorf("res = %+v, emitted = %d", res, emitted)
	}
	if len(ledger.created) != 1 || ledger.created[0].Backend != "procedural" || ledger.created[0].Source != db.SourceHTTP {
		t.Errorf("created = %+v", ledger.created)
	}
	if len(ledger.started) != 1 {
		t.Errorf("started = %v", ledger.started)
	}
	c := ledger.completions[0]
	if c.Status != db.StatusSucceeded || *c.Seed != 77 || len(c.Outputs) != 1 || c.Generated != 2 {
		t.Errorf("completion = %+v", c)
	}
}

func TestHandle_RecordsMetricsWithoutLedger(t *testing.T) {
	store := metrics.NewStore(metrics.DefaultHistory, time.Now())
	tests := []struct {
		name   string
		fp     *fakePredictor
		status string
	}{
		{"success", &fakePredictor{res: &predict.Result{ID: "m1", Generated: 3, Accepted: 2}}, db.StatusSucceeded},
		{"failure", &fakePredictor{err: errors.New("runner exploded")}, db.StatusFailed},
		{"canceled", &fakePredictor{err: context.Canceled}, db.StatusCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPredictionHandler(tt.fp, nil, nil, "procedural", testLogger(t))
			h.SetRecorder(store)
			_, _ = h.Handle(context.Background(), "m-"+tt.name, db.SourceQueue, validRequest(), nil)

			recent := store.Recent(1)
			if len(recent) != 1 {
				t.Fatalf("recent = %v", recent)
			}
			r := recent[0]
			if r.ID != "m-"+tt.name || r.Source != db.SourceQueue || r.Status != tt.status {
				t.Errorf("record = %+v", r)
			}
			if r.Started.IsZero() || r.Duration < 0 {
				t.Errorf("timing = %v/%v", r.Started, r.Duration)
			}
			if tt.status == db.StatusSucceeded && (r.Generated != 3 || r.Accepted != 2) {
				t.Errorf("counts = %d/%d", r.Generated, r.Accepted)
			}
			if tt.status != db.StatusSucceeded && r.Error == "" {
				t.Error("error not recorded")
			}
		})
	}
	if got := store.Predictions().Total; got != 3 {
		t.Errorf("total = %d, want 3", got)
	}
}

func TestHandle_RecordsFailure(t *testing.T) {
	fp := &fakePredictor{res: &predict.Result{Generated: 1}, err: predict.ErrAllFiltered}
	ledger := &memLedger{}
	h := NewPredictionHandler(fp, ledger, nil, "runner", testLogger(t))

	_, err := h.Handle(context.Background(), "p2", db.SourceQueue, validRequest(), nil)
	if !errors.Is(err, predict.ErrAllFiltered) {
		t.Fatalf("error = %v", err)
	}
	c := ledger.completions[0]
	if c.Status != db.StatusFailed || c.Error != predict.ErrAllFiltered.Error() {
		t.Errorf("completion = %+v", c)
	}
}

func TestHandle_InvalidRequestNotRecorded(t *testing.T) {
	fp := &fakePredictor{}
	ledger := &memLedger{}
	h := NewPredictionHandler(fp, ledger, nil, "runner", testLogger(t))

	req := validRequest()
	req.NumOutputs = 9
	if _, err := h.Handle(context.Background(), "p3", db.SourceHTTP, req, nil); !errors.Is(err, predict.ErrInvalidRequest) {
		t.Fatalf("error = %v", err)
	}
	if fp.ran != 0 || len(ledger.created) != 0 {
		t.Errorf("invalid request ran (%d) or was recorded (%d)", fp.ran, len(ledger.created))
	}
}

func TestHandle_RejectsDuringShutdown(t *testing.T) {
	fp := &fakePredictor{res: &predict.Result{}}
	m := shutdown.NewManager(testLogger(t), shutdown.WithTimeout(time.Second))
	h := NewPredictionHandler(fp, nil, m, "runner", testLogger(t))

	if _, err := h.Handle(context.Background(), "p4", db.SourceHTTP, validRequest(), nil); err != nil {
		t.Fatalf("Handle before shutdown: %v", err)
	}
	m.Shutdown()
	if _, err := h.Handle(context.Background(), "p5", db.SourceHTTP, validRequest(), nil); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("error = %v, want ErrShuttingDown", err)
	}
	if fp.ran != 1 {
		t.Errorf("ran = %d, want 1", fp.ran)
	}
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, db.StatusSucceeded},
		{context.Canceled, db.StatusCanceled},
		{errors.Join(errors.New("render"), context.DeadlineExceeded), db.StatusCanceled},
		{predict.ErrAllFiltered, db.StatusFailed},
	}
	for _, tt := range tests {
		if got := OutcomeStatus(tt.err); got != tt.want {
			t.Errorf("OutcomeStatus(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
