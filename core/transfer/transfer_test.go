package transfer

import (
	"time"

	"github.com/vadiminshakov/cfdp/core/dto"
	"github.com/vadiminshakov/cfdp/core/pdu"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeEnv records what a transaction emits and runs its jobs on demand.
type fakeEnv struct {
	now    time.Time
	sent   []pdu.Pdu
	jobs   []Job
	events []dto.Event
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{now: epoch}
}

func (e *fakeEnv) Send(_ pdu.TransactionID, p pdu.Pdu) {
	e.sent = append(e.sent, p)
}

func (e *fakeEnv) Submit(_ pdu.TransactionID, job Job) {
	e.jobs = append(e.jobs, job)
}

func (e *fakeEnv) Now() time.Time {
	return e.now
}

func (e *fakeEnv) Notify(code dto.EventCode, s dto.Summary) {
	e.events = append(e.events, dto.Event{Code: code, Summary: s})
}

// runJobs executes queued jobs in submission order, including jobs that
// completions submit.
func (e *fakeEnv) runJobs() {
	for len(e.jobs) > 0 {
		job := e.jobs[0]
		e.jobs = e.jobs[1:]
		job.Done(job.Run())
	}
}

func (e *fakeEnv) take() []pdu.Pdu {
	out := e.sent
	e.sent = nil
	return out
}

func (e *fakeEnv) advance(d time.Duration) time.Time {
	e.now = e.now.Add(d)
	return e.now
}

func (e *fakeEnv) eventCodes() []dto.EventCode {
	var codes []dto.EventCode
	for _, ev := range e.events {
		codes = append(codes, ev.Code)
	}
	return codes
}

func testConfig() Config {
	return Config{
		SegmentSize:       16,
		MaxNakSegments:    2,
		SendWindow:        4,
		AckTimeout:        time.Second,
		AckLimit:          3,
		AckBackoffFactor:  1,
		NakTimeout:        time.Second,
		NakLimit:          3,
		InactivityTimeout: 10 * time.Second,
		ProvisionalLimit:  64,
		ViolationLimit:    2,
	}
}

var testID = pdu.TransactionID{Source: 1, Destination: 2, Sequence: 7, Direction: pdu.Upload}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

func ofType[T pdu.Pdu](ps []pdu.Pdu) []T {
	var out []T
	for _, p := range ps {
		if v, ok := p.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
