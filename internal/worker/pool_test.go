package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// recorder drains a pool's events
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func record(p *Pool) *recorder {
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range p.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) kinds(id string) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		if ev.JobID == id {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (r *recorder) terminal(id string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.JobID == id && ev.Kind.Terminal() {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) finished(id string) func() bool {
	return func() bool {
		_, ok := r.terminal(id)
		return ok
	}
}

var _ = Describe("Pool", func() {
	var (
		pool   *Pool
		events *recorder
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		pool = NewPool(WithWorkers(1), WithQueueSize(4))
		events = record(pool)
	})

	AfterEach(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Shutdown(shutdownCtx)
	})

	When("a task succeeds", func() {
		var id string

		BeforeEach(func() {
			var err error
			id, err = pool.Submit(ctx, "receipt.jpg", func(ctx context.Context, job *Job) (any, error) {
				job.Report("normalize")
				job.Report("recognize")
				return "done", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Eventually(events.finished(id)).Should(BeTrue())
		})

		It("should deliver started, progress and succeeded events in order", func() {
			Expect(events.kinds(id)).To(Equal([]EventKind{EventStarted, EventProgress, EventProgress, EventSucceeded}))
		})

		It("should carry the result on the terminal event", func() {
			ev, _ := events.terminal(id)
			Expect(ev.Result).To(Equal("done"))
			Expect(ev.Name).To(Equal("receipt.jpg"))
			Expect(ev.Err).NotTo(HaveOccurred())
		})

		It("should record the final status", func() {
			st, err := pool.Status(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.State).To(Equal(StateSucceeded))
			Expect(st.Stage).To(Equal("recognize"))
			Expect(st.Result).To(Equal("done"))
			Expect(st.Started).NotTo(BeNil())
			Expect(st.Finished).NotTo(BeNil())
		})

		It("should refuse to cancel it", func() {
			Expect(pool.Cancel(id)).To(MatchError(ErrJobFinished))
		})
	})

	When("a task fails", func() {
		It("should report the error", func() {
			boom := errors.New("boom")
			id, err := pool.Submit(ctx, "bad", func(context.Context, *Job) (any, error) {
				return nil, boom
			})
			Expect(err).NotTo(HaveOccurred())
			Eventually(events.finished(id)).Should(BeTrue())

			ev, _ := events.terminal(id)
			Expect(ev.Kind).To(Equal(EventFailed))
			Expect(ev.Err).To(MatchError(boom))

			st, _ := pool.Status(id)
			Expect(st.State).To(Equal(StateFailed))
			Expect(st.Error).To(Equal("boom"))
		})
	})

	When("a task panics", func() {
		It("should fail the job and keep the worker alive", func() {
			id, _ := pool.Submit(ctx, "panic", func(context.Context, *Job) (any, error) {
				panic("oops")
			})
			Eventually(events.finished(id)).Should(BeTrue())
			ev, _ := events.terminal(id)
			Expect(ev.Kind).To(Equal(EventFailed))
			Expect(ev.Err).To(MatchError(ContainSubstring("oops")))

			next, _ := pool.Submit(ctx, "next", func(context.Context, *Job) (any, error) { return 1, nil })
			Eventually(events.finished(next)).Should(BeTrue())
		})
	})

	When("a queued job is cancelled", func() {
		It("should never run it", func() {
			gate := make(chan struct{})
			first, _ := pool.Submit(ctx, "first", func(context.Context, *Job) (any, error) {
				<-gate
				return nil, nil
			})
			var ran atomic.Bool
			second, _ := pool.Submit(ctx, "second", func(context.Context, *Job) (any, error) {
				ran.Store(true)
				return nil, nil
			})

			Expect(pool.Cancel(second)).To(Succeed())
			close(gate)

			Eventually(events.finished(second)).Should(BeTrue())
			Expect(events.finished(first)()).To(BeTrue())
			Expect(ran.Load()).To(BeFalse())
			Expect(events.kinds(second)).To(Equal([]EventKind{EventCancelled}))
		})
	})

	When("a running job is cancelled", func() {
		It("should stop at the next check", func() {
			started := make(chan struct{})
			id, _ := pool.Submit(ctx, "slow", func(ctx context.Context, job *Job) (any, error) {
				close(started)
				for !job.Cancelled() {
					time.Sleep(time.Millisecond)
				}
				return nil, errors.New("stopped")
			})
			Eventually(started).Should(BeClosed())

			Expect(pool.Cancel(id)).To(Succeed())
			Eventually(events.finished(id)).Should(BeTrue())

			st, _ := pool.Status(id)
			Expect(st.State).To(Equal(StateCancelled))
		})
	})

	When("the job is unknown", func() {
		It("should return ErrUnknownJob", func() {
			Expect(pool.Cancel("nope")).To(MatchError(ErrUnknownJob))
			_, err := pool.Status("nope")
			Expect(err).To(MatchError(ErrUnknownJob))
		})
	})

	When("a task outlives the timeout", func() {
		BeforeEach(func() {
			pool = NewPool(WithTimeout(20 * time.Millisecond))
			events = record(pool)
		})

		It("should fail with the deadline", func() {
			id, _ := pool.Submit(ctx, "hang", func(ctx context.Context, _ *Job) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
			Eventually(events.finished(id)).Should(BeTrue())
			ev, _ := events.terminal(id)
			Expect(ev.Err).To(MatchError(context.DeadlineExceeded))
		})
	})

	When("there are several workers", func() {
		BeforeEach(func() {
			pool = NewPool(WithWorkers(2), WithQueueSize(8))
			events = record(pool)
		})

		It("should run at most that many tasks at once", func() {
			var inFlight, maxInFlight atomic.Int32
			var ids []string
			for i := 0; i < 6; i++ {
				id, err := pool.Submit(ctx, "job", func(context.Context, *Job) (any, error) {
					n := inFlight.Add(1)
					for {
						m := maxInFlight.Load()
						if n <= m || maxInFlight.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(10 * time.Millisecond)
					inFlight.Add(-1)
					return nil, nil
				})
				Expect(err).NotTo(HaveOccurred())
				ids = append(ids, id)
			}
			for _, id := range ids {
				Eventually(events.finished(id)).Should(BeTrue())
			}
			Expect(maxInFlight.Load()).To(BeNumerically("<=", 2))
		})
	})

	Describe("Shutdown", func() {
		It("should drain queued jobs and close the event channel", func() {
			var count atomic.Int32
			for i := 0; i < 3; i++ {
				_, err := pool.Submit(ctx, "job", func(context.Context, *Job) (any, error) {
					count.Add(1)
					return nil, nil
				})
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(pool.Shutdown(context.Background())).To(Succeed())
			Expect(count.Load()).To(Equal(int32(3)))
			Eventually(events.done).Should(BeClosed())
		})

		It("should refuse new jobs", func() {
			Expect(pool.Shutdown(context.Background())).To(Succeed())
			_, err := pool.Submit(ctx, "late", func(context.Context, *Job) (any, error) { return nil, nil })
			Expect(err).To(MatchError(ErrPoolClosed))
		})

		It("should cancel running tasks when its context ends", func() {
			started := make(chan struct{})
			id, _ := pool.Submit(ctx, "hang", func(ctx context.Context, _ *Job) (any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			})
			Eventually(started).Should(BeClosed())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			Expect(pool.Shutdown(shutdownCtx)).To(MatchError(context.DeadlineExceeded))

			Eventually(func() State {
				st, _ := pool.Status(id)
				return st.State
			}).Should(Equal(StateFailed))
		})
	})
})
