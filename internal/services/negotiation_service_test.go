package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) types() []realtime.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]realtime.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *recordingPublisher) last(t realtime.EventType) (realtime.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == t {
			return p.events[i], true
		}
	}
	return realtime.Event{}, false
}

// seedConversation stores b1/s1/i1 with two identical units at 45,000 USD.
func seedConversation(t *testing.T, db *gorm.DB) *domain.Conversation {
	t.Helper()
	c, _, err := repo.EnsureConversation(context.Background(), db, &domain.Conversation{
		BuyerID: "b1", SellerID: "s1", ItemID: "i1",
		Selection: []bucket.Entry{unitEntry("u1", "s1", "45000"), unitEntry("u2", "s1", "45000")},
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return c
}

func terms(t *testing.T, c *domain.Conversation, discount int64) negotiation.Terms {
	t.Helper()
	sum := bucket.Aggregate(c.Selection)
	if len(sum.Buckets) != 1 {
		t.Fatalf("expected one bucket, got %d", len(sum.Buckets))
	}
	return negotiation.Terms{
		BucketDiscounts:    []negotiation.BucketDiscount{{BucketKey: sum.Buckets[0].Key, Percent: decimal.NewFromInt(discount)}},
		DownPaymentPercent: decimal.NewFromInt(20),
		Port:               "yantai",
	}
}

func newNegotiation(t *testing.T) (*NegotiationService, *recordingPublisher, *domain.Conversation) {
	t.Helper()
	db := newSvcDB(t)
	pub := &recordingPublisher{}
	return NewNegotiationService(db, pub, nil), pub, seedConversation(t, db)
}

func intp(v int) *int { return &v }

// ---------- tests ----------

func TestNegotiation_FullRound(t *testing.T) {
	s, pub, c := newNegotiation(t)
	ctx := context.Background()

	p1, err := s.Submit(ctx, "b1", c.ID, SubmitInput{Terms: terms(t, c, 10)})
	if err != nil {
		t.Fatalf("buyer submit: %v", err)
	}
	if p1.Status != negotiation.StatusBuyerProposed || p1.Version != 1 {
		t.Fatalf("p1 = %s v%d", p1.Status, p1.Version)
	}
	if !p1.FinalPrice.Equal(decimal.NewFromInt(81000)) || p1.Port != "Yantai" {
		t.Fatalf("p1 price/port = %s/%s", p1.FinalPrice, p1.Port)
	}

	p2, err := s.Submit(ctx, "s1", c.ID, SubmitInput{Terms: terms(t, c, 5), ExpectedVersion: intp(1)})
	if err != nil {
		t.Fatalf("seller counter: %v", err)
	}
	if p2.Status != negotiation.StatusSellerCountered || !p2.FinalPrice.Equal(decimal.NewFromInt(85500)) {
		t.Fatalf("p2 = %s %s", p2.Status, p2.FinalPrice)
	}

	p3, err := s.Accept(ctx, "b1", c.ID, intp(2))
	if err != nil {
		t.Fatalf("buyer accept: %v", err)
	}
	if p3.Status != negotiation.StatusAccepted || p3.Version != 3 || !p3.FinalPrice.Equal(p2.FinalPrice) {
		t.Fatalf("p3 = %s v%d %s", p3.Status, p3.Version, p3.FinalPrice)
	}
	if p3.Actor != negotiation.ActorBuyer || p3.ActorID != "b1" {
		t.Fatalf("acceptance actor = %s/%s", p3.Actor, p3.ActorID)
	}

	_, err = s.Submit(ctx, "s1", c.ID, SubmitInput{Terms: terms(t, c, 1)})
	if !errors.Is(err, negotiation.ErrIllegalTransition) {
		t.Fatalf("submit after accept should be illegal, got %v", err)
	}

	hist, err := s.History(ctx, "s1", c.ID)
	if err != nil || len(hist) != 3 {
		t.Fatalf("history len=%d err=%v", len(hist), err)
	}
	// Earlier versions are never rewritten.
	if hist[0].Status != negotiation.StatusBuyerProposed || !hist[0].FinalPrice.Equal(decimal.NewFromInt(81000)) {
		t.Fatalf("history[0] mutated: %+v", hist[0])
	}

	got := pub.types()
	want := []realtime.EventType{
		realtime.EventMessage, realtime.EventState,
		realtime.EventMessage, realtime.EventState,
		realtime.EventMessage, realtime.EventState,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v; want %v", got, want)
	}
	evt, _ := pub.last(realtime.EventState)
	sc, ok := evt.Data.(StateChange)
	if !ok || sc.Status != negotiation.StatusAccepted || sc.Version != 3 || sc.Proposal == nil {
		t.Fatalf("state payload = %+v", evt.Data)
	}
	if len(sc.AllowedActions["buyer"]) != 0 || len(sc.AllowedActions["seller"]) != 0 {
		t.Fatalf("no actions allowed after acceptance, got %v", sc.AllowedActions)
	}
}

func TestNegotiation_InfoMessages(t *testing.T) {
	s, pub, c := newNegotiation(t)
	ctx := context.Background()
	if _, err := s.Submit(ctx, "b1", c.ID, SubmitInput{Terms: terms(t, c, 10)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	evt, ok := pub.last(realtime.EventMessage)
	if !ok {
		t.Fatal("no message event")
	}
	m := evt.Data.(*domain.Message)
	if m.Kind != domain.KindInfo || m.SenderID != domain.SystemSender || m.Seq != 1 {
		t.Fatalf("unexpected info message %+v", m)
	}
	if !strings.Contains(m.Content, "Buyer proposed 81,000.00 USD") {
		t.Fatalf("content = %q", m.Content)
	}
}

func TestNegotiation_TurnOrder(t *testing.T) {
	s, _, c := newNegotiation(t)
	ctx := context.Background()

	if _, err := s.Submit(ctx, "s1", c.ID, SubmitInput{Terms: terms(t, c, 1)}); !errors.Is(err, negotiation.ErrIllegalTransition) {
		t.Fatalf("seller cannot open, got %v", err)
	}
	if _, err := s.Accept(ctx, "b1", c.ID, nil); !errors.Is(err, negotiation.ErrIllegalTransition) {
		t.Fatalf("nothing to accept, got %v", err)
	}
	if _, err := s.Submit(ctx, "b1", c.ID, SubmitInput{Terms: terms(t, c, 1)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Accept(ctx, "b1", c.ID, nil); !errors.Is(err, negotiation.ErrIllegalTransition) {
		t.Fatalf("buyer cannot accept own proposal, got %v", err)
	}
	if _, err := s.Submit(ctx, "x9", c.ID, SubmitInput{Terms: terms(t, c, 1)}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("outsider should see not found, got %v", err)
	}
}

func TestNegotiation_StaleExpectedVersion(t *testing.T) {
	s, pub, c := newNegotiation(t)
	ctx := context.Background()
	if _, err := s.Submit(ctx, "b1", c.ID, SubmitInput{Terms: terms(t, c, 10)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	before := len(pub.types())

	_, err := s.Accept(ctx, "s1", c.ID, intp(0))
	var ce *negotiation.ConflictError
	if !errors.As(err, &ce) || ce.Expected != 0 || ce.Actual != 1 {
		t.Fatalf("expected conflict 0 vs 1, got %v", err)
	}
	if ErrorCode(err) != CodeConflict {
		t.Fatalf("code = %s", ErrorCode(err))
	}
	if len(pub.types()) != before {
		t.Fatal("rejected action must not publish")
	}
}

func TestNegotiation_ConcurrentResponses(t *testing.T) {
	s, _, c := newNegotiation(t)
	ctx := context.Background()
	if _, err := s.Submit(ctx, "b1", c.ID, SubmitInput{Terms: terms(t, c, 10)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.Accept(ctx, "s1", c.ID, intp(1))
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.Submit(ctx, "s1", c.ID, SubmitInput{Terms: terms(t, c, 5), ExpectedVersion: intp(1)})
	}()
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, negotiation.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("ok=%d conflicts=%d; want exactly one winner", ok, conflicts)
	}
	hist, _ := s.History(ctx, "b1", c.ID)
	if len(hist) != 2 {
		t.Fatalf("history len = %d; want 2", len(hist))
	}
}

func TestNegotiation_ValidationDoesNotMutate(t *testing.T) {
	s, _, c := newNegotiation(t)
	ctx := context.Background()

	bad := terms(t, c, 10)
	bad.Port = "Atlantis"
	_, err := s.Submit(ctx, "b1", c.ID, SubmitInput{Terms: bad})
	var ve *negotiation.ValidationError
	if !errors.As(err, &ve) || ve.Field != "selected_port" {
		t.Fatalf("expected port validation error, got %v", err)
	}

	bad = terms(t, c, 10)
	bad.BucketDiscounts[0].Percent = decimal.NewFromInt(101)
	if _, err := s.Submit(ctx, "b1", c.ID, SubmitInput{Terms: bad}); !errors.Is(err, negotiation.ErrValidation) {
		t.Fatalf("expected discount validation error, got %v", err)
	}

	cur, err := s.Current(ctx, "b1", c.ID)
	if err != nil || cur != nil {
		t.Fatalf("expected no proposal, got %+v err=%v", cur, err)
	}
}

func TestNegotiation_ClientPriceIgnored(t *testing.T) {
	s, _, c := newNegotiation(t)
	bogus := decimal.NewFromInt(1)
	p, err := s.Submit(context.Background(), "b1", c.ID, SubmitInput{Terms: terms(t, c, 0), ClientFinalPrice: &bogus})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !p.FinalPrice.Equal(decimal.NewFromInt(90000)) {
		t.Fatalf("server price must win, got %s", p.FinalPrice)
	}
}

func TestNegotiation_PreviewAndSnapshot(t *testing.T) {
	s, _, c := newNegotiation(t)
	ctx := context.Background()

	q, err := s.Preview(ctx, "s1", c.ID, terms(t, c, 50))
	if err != nil || !q.FinalPrice.Equal(decimal.NewFromInt(45000)) {
		t.Fatalf("preview = %s err=%v", q.FinalPrice, err)
	}
	if cur, _ := s.Current(ctx, "b1", c.ID); cur != nil {
		t.Fatal("preview must not submit")
	}

	if _, err := s.Submit(ctx, "b1", c.ID, SubmitInput{Terms: terms(t, c, 10)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap, err := s.Snapshot(ctx, "s1", c.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Role != negotiation.ActorSeller || snap.Proposal == nil || snap.Proposal.Version != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Messages) != 1 || snap.AwaitingActor != negotiation.ActorSeller {
		t.Fatalf("snapshot messages=%d awaiting=%s", len(snap.Messages), snap.AwaitingActor)
	}
	if fmt.Sprint(snap.AllowedActions) != "[submit accept]" {
		t.Fatalf("allowed = %v", snap.AllowedActions)
	}

	evt, err := s.SnapshotEvent(ctx, "b1", c.ID)
	if err != nil || evt.Type != realtime.EventSnapshot || evt.Version != 1 || evt.Seq != 1 {
		t.Fatalf("snapshot event = %+v err=%v", evt, err)
	}
	if _, err := s.Snapshot(ctx, "x9", c.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("outsider snapshot: %v", err)
	}
}

func TestNegotiation_MixedCurrencyRejected(t *testing.T) {
	db := newSvcDB(t)
	eur := unitEntry("u2", "s1", "100")
	eur.Currency = "EUR"
	c, _, err := repo.EnsureConversation(context.Background(), db, &domain.Conversation{
		BuyerID: "b1", SellerID: "s1", ItemID: "i1",
		Selection: []bucket.Entry{unitEntry("u1", "s1", "100"), eur},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := NewNegotiationService(db, nil, nil)
	_, err = s.Submit(context.Background(), "b1", c.ID, SubmitInput{Terms: negotiation.Terms{
		DownPaymentPercent: decimal.NewFromInt(20), Port: "Yantai",
	}})
	var ve *negotiation.ValidationError
	if !errors.As(err, &ve) || ve.Field != "buckets" {
		t.Fatalf("expected buckets validation error, got %v", err)
	}
}
