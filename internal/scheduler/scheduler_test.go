package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAddAndRemoveJob(t *testing.T) {
	s, err := New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop() }()

	if err := s.AddJob("janitor", 5*time.Second, func() {}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob("janitor", time.Second, func() {}); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := s.AddJob("broken", 0, func() {}); err == nil {
		t.Error("zero interval accepted")
	}
	if err := s.AddJob("finalize", 15*time.Second, func() {}); err != nil {
		t.Fatal(err)
	}
	jobs := s.ListJobs()
	if len(jobs) != 2 || jobs[0].Name != "finalize" || jobs[1].Name != "janitor" {
		t.Fatalf("ListJobs = %+v", jobs)
	}
	if jobs[1].Interval != 5*time.Second || jobs[1].ID == "" {
		t.Errorf("job info = %+v", jobs[1])
	}

	s.RemoveJob("janitor")
	s.RemoveJob("janitor")
	if jobs := s.ListJobs(); len(jobs) != 1 || jobs[0].Name != "finalize" {
		t.Errorf("after remove = %+v", jobs)
	}
	if err := s.AddJob("janitor", time.Second, func() {}); err != nil {
		t.Errorf("re-add after remove: %v", err)
	}
}

func TestJobsRun(t *testing.T) {
	s, err := New(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var runs atomic.Int32
	if err := s.AddJob("tick", 20*time.Millisecond, func(n *atomic.Int32) { n.Add(1) }, &runs); err != nil {
		t.Fatal(err)
	}
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if runs.Load() < 2 {
		t.Errorf("job ran %d times, want at least 2", runs.Load())
	}
}
