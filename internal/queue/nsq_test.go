package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakePublisher struct {
	published map[string][][]byte
	err       error
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[topic] = append(f.published[topic], body)
	return nil
}

func (f *fakePublisher) Ping() error { return f.err }
func (f *fakePublisher) Stop()       {}

type fakeLedger struct {
	claimed  map[string]bool
	released []string
}

func (l *fakeLedger) Claim(_ context.Context, q Name, id string) (bool, error) {
	if l.claimed == nil {
		l.claimed = make(map[string]bool)
	}
	key := string(q) + "/" + id
	if l.claimed[key] {
		return false, nil
	}
	l.claimed[key] = true
	return true, nil
}

func (l *fakeLedger) Release(_ context.Context, q Name, id string) error {
	delete(l.claimed, string(q)+"/"+id)
	l.released = append(l.released, id)
	return nil
}

func TestNSQPort_Add(t *testing.T) {
	pub := &fakePublisher{}
	ledger := &fakeLedger{}
	port := &NSQPort{producer: pub, ledger: ledger}
	ctx := context.Background()

	job := &Job{ID: "invoice-reminder:inv-1:overdue", Queue: InvoiceReminders, DedupeKey: "inv-1:overdue", Payload: json.RawMessage(`{}`), MaxAttempts: 5}
	if err := port.Add(ctx, job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	dup := *job
	if err := port.Add(ctx, &dup); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("second Add() error = %v, want ErrDuplicateJob", err)
	}
	if got := len(pub.published["invoice-reminders"]); got != 1 {
		t.Fatalf("published = %d, want 1", got)
	}

	decoded, err := DecodeJob(pub.published["invoice-reminders"][0], 1)
	if err != nil {
		t.Fatalf("DecodeJob() error = %v", err)
	}
	if decoded.ID != job.ID || decoded.AttemptsMade != 0 {
		t.Errorf("decoded = %+v", decoded)
	}

	if err := port.Release(ctx, InvoiceReminders, job.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := port.Add(ctx, &dup); err != nil {
		t.Errorf("Add() after release error = %v", err)
	}
}

func TestNSQPort_AssignsIDWithoutDedupeKey(t *testing.T) {
	pub := &fakePublisher{}
	ledger := &fakeLedger{}
	port := &NSQPort{producer: pub, ledger: ledger}

	job := &Job{Queue: Notifications, Payload: json.RawMessage(`{}`)}
	if err := port.Add(context.Background(), job); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if job.ID == "" {
		t.Error("Add() did not assign an id")
	}
	if len(ledger.claimed) != 0 {
		t.Errorf("ledger claimed %v for a job without dedupe key", ledger.claimed)
	}
}

func TestNSQPort_PublishFailureReleasesClaim(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	ledger := &fakeLedger{}
	port := &NSQPort{producer: pub, ledger: ledger}

	job := &Job{ID: "media:a:proxy", Queue: MediaJobs, DedupeKey: "a:proxy"}
	if err := port.Add(context.Background(), job); err == nil {
		t.Fatal("Add() expected error")
	}
	if len(ledger.released) != 1 || ledger.released[0] != "media:a:proxy" {
		t.Errorf("released = %v, want the failed id", ledger.released)
	}
}
