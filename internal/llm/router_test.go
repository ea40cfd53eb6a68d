package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeInvoker struct {
	provider string
	text     string
	err      error
	// hang blocks until the context ends
	hang bool
	// gate, when set, blocks each call until it is closed
	gate chan struct{}

	mu      sync.Mutex
	prompts []Prompt

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeInvoker(provider string) *fakeInvoker {
	return &fakeInvoker{provider: provider, text: "answer from " + provider}
}

func (f *fakeInvoker) Invoke(ctx context.Context, p Prompt) (*Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()

	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Text: f.text, Provider: f.provider, Model: f.provider + "-model"}, nil
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeInvoker) Provider() string { return f.provider }
func (f *fakeInvoker) Model() string    { return f.provider + "-model" }
func (f *fakeInvoker) Close() error     { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ = Describe("Router", func() {
	var (
		ledger      *Ledger
		fast        *fakeInvoker
		cloud       *fakeInvoker
		local       *fakeInvoker
		clock       *fakeClock
		configs     []TierConfig
		router      *Router
		req         Request
		resp        *Response
		err         error
		initialFund int64
	)

	BeforeEach(func() {
		initialFund = 500
		fast = newFakeInvoker("groq")
		cloud = newFakeInvoker("ollama-cloud")
		local = newFakeInvoker("ollama-local")
		clock = &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
		configs = []TierConfig{
			{Tier: Fast, Invoker: fast, Cost: 100, MaxConcurrent: 2},
			{Tier: CloudHosted, Invoker: cloud, Cost: 10, MaxConcurrent: 2},
			{Tier: Local, Invoker: local, Cost: 0, MaxConcurrent: 1},
		}
		req = Request{Prompt: UserPrompt("system", "hello")}
	})

	JustBeforeEach(func() {
		ledger = NewLedger(initialFund)
		router, err = NewRouter(ledger, configs, WithClock(clock.Now), WithCooldown(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		resp, err = router.Submit(context.Background(), req)
	})

	When("every tier is healthy and there is no preference", func() {
		It("should use the fast tier", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Tier).To(Equal(Fast))
			Expect(resp.Text).To(Equal("answer from groq"))
		})

		It("should debit the tier cost", func() {
			Expect(resp.Cost).To(Equal(int64(100)))
			Expect(ledger.Balance()).To(Equal(int64(400)))
		})
	})

	When("a preferred tier is given", func() {
		BeforeEach(func() {
			req.Preferred = Local
		})

		It("should use it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Tier).To(Equal(Local))
			Expect(fast.calls()).To(BeZero())
			Expect(ledger.Balance()).To(Equal(int64(500)))
		})
	})

	When("the fast tier is down", func() {
		BeforeEach(func() {
			fast.err = errors.New("connection refused")
		})

		It("should fall back to the cloud tier", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Tier).To(Equal(CloudHosted))
		})

		It("should only debit the tier that answered", func() {
			Expect(ledger.Balance()).To(Equal(int64(490)))
			Expect(ledger.Transactions()).To(HaveLen(1))
		})

		It("should mark the fast tier degraded", func() {
			status := router.Status()
			Expect(status[0].Tier).To(Equal(Fast))
			Expect(status[0].Availability).To(Equal(Degraded))
			Expect(status[1].Availability).To(Equal(Available))
		})

		It("should skip the degraded tier on the next call", func() {
			_, err := router.Submit(context.Background(), Request{Prompt: UserPrompt("", "again")})
			Expect(err).NotTo(HaveOccurred())
			Expect(fast.calls()).To(Equal(1))
			Expect(cloud.calls()).To(Equal(2))
		})

		It("should retry the tier once the cooldown has passed", func() {
			fast.err = nil
			clock.Advance(2 * time.Minute)
			again, err := router.Submit(context.Background(), Request{Prompt: UserPrompt("", "again")})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Tier).To(Equal(Fast))
		})

		It("should fall back even when the failed tier was preferred", func() {
			again, err := router.Submit(context.Background(), Request{Prompt: UserPrompt("", "again"), Preferred: Fast})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Tier).To(Equal(CloudHosted))
		})
	})

	When("the fast tier answers with no text", func() {
		BeforeEach(func() {
			fast.err = fmt.Errorf("%w from groq", ErrEmptyResponse)
		})

		It("should fall back without charging for the blank answer", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Tier).To(Equal(CloudHosted))
			Expect(ledger.Balance()).To(Equal(int64(490)))
		})
	})

	When("credits do not cover the fast tier", func() {
		BeforeEach(func() {
			initialFund = 50
		})

		It("should use the next cheaper tier", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Tier).To(Equal(CloudHosted))
			Expect(fast.calls()).To(BeZero())
			Expect(ledger.Balance()).To(Equal(int64(40)))
		})
	})

	When("no tier is affordable", func() {
		BeforeEach(func() {
			initialFund = 5
			configs = configs[:2]
		})

		It("returns insufficient credits without calling anything", func() {
			Expect(err).To(MatchError(ErrInsufficientCredits))
			Expect(fast.calls()).To(BeZero())
			Expect(cloud.calls()).To(BeZero())
			Expect(ledger.Balance()).To(Equal(int64(5)))
		})
	})

	When("every tier fails", func() {
		BeforeEach(func() {
			fast.err = errors.New("500")
			cloud.err = errors.New("502")
			local.err = errors.New("model not loaded")
		})

		It("returns all tiers unavailable", func() {
			Expect(err).To(MatchError(ErrAllTiersUnavailable))
		})

		It("should expose the tier errors", func() {
			var tierErr *TierError
			Expect(errors.As(err, &tierErr)).To(BeTrue())
			Expect(tierErr.Tier).To(Equal(Fast))
		})

		It("should not debit anything", func() {
			Expect(ledger.Balance()).To(Equal(initialFund))
			Expect(ledger.Available()).To(Equal(initialFund))
		})

		It("should refuse while every tier cools down", func() {
			_, err := router.Submit(context.Background(), Request{Prompt: UserPrompt("", "again")})
			Expect(err).To(MatchError(ErrAllTiersUnavailable))
			Expect(fast.calls()).To(Equal(1))
		})
	})

	When("a tier is excluded", func() {
		BeforeEach(func() {
			req.Exclude = []Tier{Fast}
		})

		It("should not be tried", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Tier).To(Equal(CloudHosted))
			Expect(fast.calls()).To(BeZero())
		})
	})

	When("a tier times out", func() {
		BeforeEach(func() {
			fast.hang = true
			configs[0].Timeout = 20 * time.Millisecond
		})

		It("should treat the timeout as a tier failure", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Tier).To(Equal(CloudHosted))
			Expect(router.Status()[0].Availability).To(Equal(Degraded))
		})
	})
})

var _ = Describe("Router concurrency", func() {
	It("should block calls beyond the tier limit instead of dropping them", func() {
		slow := newFakeInvoker("slow")
		slow.gate = make(chan struct{})
		router, err := NewRouter(NewLedger(0), []TierConfig{{Tier: Local, Invoker: slow, MaxConcurrent: 2}})
		Expect(err).NotTo(HaveOccurred())

		var (
			wg   sync.WaitGroup
			done atomic.Int32
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := router.Submit(context.Background(), Request{Prompt: UserPrompt("", "hi")})
				Expect(err).NotTo(HaveOccurred())
				done.Add(1)
			}()
		}

		Eventually(slow.calls).Should(Equal(2))
		Consistently(slow.calls, 50*time.Millisecond).Should(Equal(2))
		close(slow.gate)
		wg.Wait()

		Expect(done.Load()).To(Equal(int32(5)))
		Expect(slow.maxInFlight.Load()).To(BeNumerically("<=", 2))
	})

	It("should never debit more than the starting balance", func() {
		ledger := NewLedger(50)
		router, err := NewRouter(ledger, []TierConfig{{Tier: CloudHosted, Invoker: newFakeInvoker("cloud"), Cost: 10, MaxConcurrent: 20}})
		Expect(err).NotTo(HaveOccurred())

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			short     atomic.Int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := router.Submit(context.Background(), Request{Prompt: UserPrompt("", "hi")})
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, ErrInsufficientCredits):
					short.Add(1)
				}
			}()
		}
		wg.Wait()

		Expect(succeeded.Load()).To(Equal(int32(5)))
		Expect(short.Load()).To(Equal(int32(15)))
		Expect(ledger.Balance()).To(BeZero())
	})

	It("should spill over to a tier with spare capacity", func() {
		busy := newFakeInvoker("busy")
		busy.gate = make(chan struct{})
		spare := newFakeInvoker("spare")
		router, err := NewRouter(NewLedger(0), []TierConfig{
			{Tier: Fast, Invoker: busy, MaxConcurrent: 1},
			{Tier: Local, Invoker: spare, MaxConcurrent: 1},
		})
		Expect(err).NotTo(HaveOccurred())

		go func() {
			defer GinkgoRecover()
			_, _ = router.Submit(context.Background(), Request{Prompt: UserPrompt("", "first")})
		}()
		Eventually(busy.calls).Should(Equal(1))

		resp, err := router.Submit(context.Background(), Request{Prompt: UserPrompt("", "second")})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Tier).To(Equal(Local))
		close(busy.gate)
	})

	It("should not degrade a tier when the caller gives up", func() {
		hanging := newFakeInvoker("hanging")
		hanging.hang = true
		router, err := NewRouter(NewLedger(0), []TierConfig{{Tier: Fast, Invoker: hanging}})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = router.Submit(ctx, Request{Prompt: UserPrompt("", "hi")})
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(router.Status()[0].Availability).To(Equal(Available))
	})
})

var _ = Describe("NewRouter", func() {
	It("should reject duplicate tiers", func() {
		inv := newFakeInvoker("x")
		_, err := NewRouter(NewLedger(0), []TierConfig{{Tier: Fast, Invoker: inv}, {Tier: Fast, Invoker: inv}})
		Expect(err).To(HaveOccurred())
	})

	It("should reject tiers without a backend", func() {
		_, err := NewRouter(NewLedger(0), []TierConfig{{Tier: Fast}})
		Expect(err).To(HaveOccurred())
	})

	It("should require at least one tier", func() {
		_, err := NewRouter(NewLedger(0), nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ParseTier", func() {
	It("should accept configuration names", func() {
		Expect(ParseTier("expert")).To(Equal(Fast))
		Expect(ParseTier("Cloud")).To(Equal(CloudHosted))
		Expect(ParseTier("basic")).To(Equal(Local))
		Expect(ParseTier("")).To(Equal(AnyTier))
	})

	It("should reject unknown names", func() {
		_, err := ParseTier("premium")
		Expect(err).To(HaveOccurred())
	})
})
