package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
)

// ----- Fake repo -----

type fakeConversationRepo struct {
	ensured *domain.Conversation

	getConv *domain.Conversation
	getErr  error

	countUserID string
	countTotal  int64
	countErr    error

	pageOffset int
	pageLimit  int
	pageItems  []domain.Conversation
	pageErr    error

	updatedID  string
	updatedSel []bucket.Entry
	updateErr  error
}

func (r *fakeConversationRepo) EnsureConversation(ctx context.Context, db *gorm.DB, c *domain.Conversation) (*domain.Conversation, bool, error) {
	r.ensured = c
	out := *c
	out.ID = domain.ConversationID(c.BuyerID, c.SellerID, c.ItemID)
	return &out, true, nil
}

func (r *fakeConversationRepo) GetConversationFor(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	if r.getConv == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if _, ok := r.getConv.RoleOf(userID); !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *r.getConv
	return &c, nil
}

func (r *fakeConversationRepo) CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	r.countUserID = userID
	return r.countTotal, r.countErr
}

func (r *fakeConversationRepo) ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	r.pageOffset, r.pageLimit = offset, limit
	return r.pageItems, r.pageErr
}

func (r *fakeConversationRepo) UpdateSelection(ctx context.Context, db *gorm.DB, id string, sel []bucket.Entry) error {
	r.updatedID, r.updatedSel = id, sel
	return r.updateErr
}

func unitEntry(id, seller, price string) bucket.Entry {
	return bucket.Entry{
		UnitID:     id,
		SellerID:   seller,
		Attributes: bucket.Attributes{Brand: "Toyota", Model: "Hilux", Variant: "GLX", Color: "White", Year: "2024", Condition: "new", BodyType: "Pickup"},
		Quantity:   1,
		UnitPrice:  decimal.RequireFromString(price),
		Currency:   "USD",
	}
}

// ----- Tests -----

func TestNewConversationService_Defaults(t *testing.T) {
	r := &fakeConversationRepo{}
	s := NewConversationService(nil, r)
	if s.Repo != r {
		t.Fatalf("repo not set")
	}
	if s.MaxSelection != 500 {
		t.Fatalf("MaxSelection default = 500, got %d", s.MaxSelection)
	}
}

func TestEnsure_Validation(t *testing.T) {
	s := NewConversationService(nil, &fakeConversationRepo{})
	cases := []struct {
		name  string
		in    EnsureInput
		field string
	}{
		{"no buyer", EnsureInput{SellerID: "s1", ItemID: "i1"}, "buyer_id"},
		{"no seller", EnsureInput{BuyerID: "b1", ItemID: "i1"}, "seller_id"},
		{"no item", EnsureInput{BuyerID: "b1", SellerID: "s1"}, "item_id"},
		{"same party", EnsureInput{BuyerID: "u1", SellerID: "u1", ItemID: "i1"}, "seller_id"},
		{"bad market", EnsureInput{BuyerID: "b1", SellerID: "s1", ItemID: "i1", Market: "auction"}, "market"},
		{"foreign unit", EnsureInput{BuyerID: "b1", SellerID: "s1", ItemID: "i1",
			Selection: []bucket.Entry{unitEntry("u1", "s2", "100")}}, "selection[0].seller_id"},
		{"negative price", EnsureInput{BuyerID: "b1", SellerID: "s1", ItemID: "i1",
			Selection: []bucket.Entry{unitEntry("u1", "s1", "-1")}}, "selection[0].unit_price"},
		{"negative quantity", EnsureInput{BuyerID: "b1", SellerID: "s1", ItemID: "i1",
			Selection: []bucket.Entry{unitEntry("u1", "s1", "1"), withQuantity(unitEntry("u2", "s1", "1"), -5)}}, "selection[1].quantity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.Ensure(context.Background(), tc.in)
			var ve *negotiation.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field = %q; want %q", ve.Field, tc.field)
			}
		})
	}
}

func withQuantity(e bucket.Entry, q int) bucket.Entry {
	e.Quantity = q
	return e
}

func TestEnsure_TrimsAndAttributesSeller(t *testing.T) {
	r := &fakeConversationRepo{}
	s := NewConversationService(nil, r)

	c, created, err := s.Ensure(context.Background(), EnsureInput{
		BuyerID:   " b1 ",
		SellerID:  "s1",
		ItemID:    "i1",
		Market:    "Individual",
		Selection: []bucket.Entry{unitEntry("u1", "", "100")},
	})
	if err != nil || !created {
		t.Fatalf("Ensure: created=%v err=%v", created, err)
	}
	if r.ensured.BuyerID != "b1" || r.ensured.Market != domain.MarketIndividual {
		t.Fatalf("unexpected stored input %+v", r.ensured)
	}
	if r.ensured.Selection[0].SellerID != "s1" {
		t.Fatalf("unattributed entry should get the conversation seller")
	}
	if c.ID != domain.ConversationID("b1", "s1", "i1") {
		t.Fatalf("id not derived from triple")
	}
}

func TestEnsure_SelectionCap(t *testing.T) {
	s := NewConversationService(nil, &fakeConversationRepo{})
	s.MaxSelection = 1
	_, _, err := s.Ensure(context.Background(), EnsureInput{
		BuyerID: "b1", SellerID: "s1", ItemID: "i1",
		Selection: []bucket.Entry{unitEntry("u1", "s1", "1"), unitEntry("u2", "s1", "1")},
	})
	if !errors.Is(err, negotiation.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGet_NotFoundMapsToErrConversationNotFound(t *testing.T) {
	s := NewConversationService(nil, &fakeConversationRepo{})
	if _, err := s.Get(context.Background(), "b1", "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	sentinel := errors.New("db down")
	s = NewConversationService(nil, &fakeConversationRepo{getErr: sentinel})
	if _, err := s.Get(context.Background(), "b1", "x"); !errors.Is(err, sentinel) {
		t.Fatalf("expected raw error, got %v", err)
	}
}

func TestConversationListPage_DefaultsAndErrors(t *testing.T) {
	r := &fakeConversationRepo{countTotal: 0}
	s := NewConversationService(nil, r)
	items, total, err := s.ListPage(context.Background(), "u1", 0, 0)
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("expected empty page, got %d/%d err=%v", len(items), total, err)
	}
	if r.countUserID != "u1" {
		t.Fatalf("count called with %q", r.countUserID)
	}

	r = &fakeConversationRepo{countTotal: 5, pageItems: []domain.Conversation{{ID: "c1"}}}
	s = NewConversationService(nil, r)
	if _, total, err = s.ListPage(context.Background(), "u1", 3, 2); err != nil || total != 5 {
		t.Fatalf("ListPage: total=%d err=%v", total, err)
	}
	if r.pageOffset != 4 || r.pageLimit != 2 {
		t.Fatalf("offset/limit = %d/%d; want 4/2", r.pageOffset, r.pageLimit)
	}

	sentinel := errors.New("boom")
	s = NewConversationService(nil, &fakeConversationRepo{countErr: sentinel})
	if _, _, err := s.ListPage(context.Background(), "u1", 1, 10); !errors.Is(err, sentinel) {
		t.Fatalf("expected count error, got %v", err)
	}
}

func TestSetSelection_BuyerOnly(t *testing.T) {
	conv := &domain.Conversation{ID: "c1", BuyerID: "b1", SellerID: "s1", Status: negotiation.StatusNone}
	r := &fakeConversationRepo{getConv: conv}
	s := NewConversationService(nil, r)

	if _, err := s.SetSelection(context.Background(), "s1", "c1", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("seller should be forbidden, got %v", err)
	}
	if _, err := s.SetSelection(context.Background(), "x9", "c1", nil); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("outsider should see not found, got %v", err)
	}

	got, err := s.SetSelection(context.Background(), "b1", "c1", []bucket.Entry{unitEntry("u1", "", "10")})
	if err != nil {
		t.Fatalf("SetSelection: %v", err)
	}
	if r.updatedID != "c1" || len(r.updatedSel) != 1 || len(got.Selection) != 1 {
		t.Fatalf("selection not stored: %+v", r.updatedSel)
	}
}

func TestSetSelection_LockedAfterProposal(t *testing.T) {
	locked := &negotiation.IllegalTransitionError{From: negotiation.StatusBuyerProposed, Actor: negotiation.ActorBuyer, Action: negotiation.ActionSubmit}
	r := &fakeConversationRepo{
		getConv:   &domain.Conversation{ID: "c1", BuyerID: "b1", SellerID: "s1"},
		updateErr: locked,
	}
	s := NewConversationService(nil, r)
	if _, err := s.SetSelection(context.Background(), "b1", "c1", nil); !errors.Is(err, negotiation.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestBuckets_AggregatesStoredSelection(t *testing.T) {
	r := &fakeConversationRepo{getConv: &domain.Conversation{
		ID: "c1", BuyerID: "b1", SellerID: "s1",
		Selection: []bucket.Entry{unitEntry("u1", "s1", "100"), unitEntry("u2", "s1", "100")},
	}}
	s := NewConversationService(nil, r)
	sum, err := s.Buckets(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if len(sum.Buckets) != 1 || sum.TotalUnits != 2 || !sum.OrderTotal.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
