package handlers

import (
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/negotiation"
)

func TestProposals_RoundTrip(t *testing.T) {
	f := newFixture(t)
	conv := f.ensure(t)
	path := "/conversations/" + conv.Conversation.ID

	// Buyer opens at 10%: 90,000 → 81,000.
	w := f.do(t, http.MethodPost, path+"/proposals", "b1", proposal(conv, 10, "yantai"))
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	var opened ProposalResponse
	decode(t, w, &opened)
	p := opened.Proposal
	if p.Version != 1 || p.Status != negotiation.StatusBuyerProposed || p.Port != "Yantai" {
		t.Fatalf("proposal = %+v", p)
	}
	if !p.FinalPrice.Equal(decimal.NewFromInt(81000)) || !p.DownPaymentAmount.Equal(decimal.NewFromInt(16200)) {
		t.Fatalf("pricing = final %s down %s", p.FinalPrice, p.DownPaymentAmount)
	}

	// The buyer cannot answer their own proposal.
	w = f.do(t, http.MethodPost, path+"/accept", "b1", nil)
	if w.Code != http.StatusConflict || errBody(t, w).Code != ErrCodeIllegalTransition {
		t.Fatalf("self accept: %d %s", w.Code, w.Body.String())
	}

	// Seller counters at 5%.
	w = f.do(t, http.MethodPost, path+"/proposals", "s1", proposal(conv, 5, "Shanghai"))
	if w.Code != http.StatusCreated {
		t.Fatalf("counter: %d %s", w.Code, w.Body.String())
	}

	// A stale expected version reports the stored one.
	stale := AcceptRequest{ExpectedVersion: intp(1)}
	w = f.do(t, http.MethodPost, path+"/accept", "b1", stale)
	if w.Code != http.StatusConflict {
		t.Fatalf("stale accept: %d %s", w.Code, w.Body.String())
	}
	e := errBody(t, w)
	if e.Code != ErrCodeVersionConflict || e.CurrentVersion == nil || *e.CurrentVersion != 2 {
		t.Fatalf("conflict body = %+v", e)
	}

	w = f.do(t, http.MethodPost, path+"/accept", "b1", AcceptRequest{ExpectedVersion: intp(2)})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}
	var accepted ProposalResponse
	decode(t, w, &accepted)
	if accepted.Proposal.Status != negotiation.StatusAccepted || accepted.Proposal.Version != 3 ||
		!accepted.Proposal.FinalPrice.Equal(decimal.NewFromInt(85500)) {
		t.Fatalf("accepted = %+v", accepted.Proposal)
	}

	w = f.do(t, http.MethodGet, path+"/proposals", "s1", nil)
	var hist ProposalHistoryResponse
	decode(t, w, &hist)
	if len(hist.Proposals) != 3 {
		t.Fatalf("history = %d", len(hist.Proposals))
	}
	for i, p := range hist.Proposals {
		if p.Version != i+1 {
			t.Fatalf("history out of order: %+v", hist.Proposals)
		}
	}

	// Terminal.
	w = f.do(t, http.MethodPost, path+"/proposals", "s1", proposal(conv, 1, "Yantai"))
	if w.Code != http.StatusConflict {
		t.Fatalf("submit after accept: %d", w.Code)
	}
}

func TestProposals_ValidationReasons(t *testing.T) {
	f := newFixture(t)
	conv := f.ensure(t)
	path := "/conversations/" + conv.Conversation.ID

	noPort := proposal(conv, 10, "")
	lowDown := proposal(conv, 10, "Yantai")
	lowDown.DownPaymentPercent = decimal.NewFromInt(5)
	unknown := proposal(conv, 10, "Yantai")
	unknown.BucketDiscounts[0].BucketKey = "nope"

	cases := []struct {
		name  string
		body  SubmitProposalRequest
		field string
	}{
		{"port required", noPort, "selected_port"},
		{"unsupported port", proposal(conv, 10, "Atlantis"), "selected_port"},
		{"down payment", lowDown, "down_payment_percent"},
		{"unknown bucket", unknown, "bucket_discounts[0].bucket_key"},
		{"discount range", proposal(conv, 120, "Yantai"), "bucket_discounts[0].percent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, path+"/proposals", "b1", tc.body)
			if w.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d %s", w.Code, w.Body.String())
			}
			if e := errBody(t, w); e.Code != ErrCodeValidation || e.Field != tc.field || e.Message == "" {
				t.Fatalf("body = %+v", e)
			}
		})
	}

	// Nothing was recorded.
	w := f.do(t, http.MethodGet, path+"/proposals", "b1", nil)
	var hist ProposalHistoryResponse
	decode(t, w, &hist)
	if len(hist.Proposals) != 0 {
		t.Fatalf("rejected submissions must not persist: %+v", hist.Proposals)
	}
}

func TestProposals_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	conv := f.ensure(t)
	path := "/conversations/" + conv.Conversation.ID
	body := proposal(conv, 10, "Yantai")

	first := f.do(t, http.MethodPost, path+"/proposals", "b1", body, "Idempotency-Key", "offer-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	second := f.do(t, http.MethodPost, path+"/proposals", "b1", body, "Idempotency-Key", "offer-1")
	if second.Code != http.StatusOK || second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: %d %v", second.Code, second.Header())
	}
	var a, b ProposalResponse
	decode(t, first, &a)
	decode(t, second, &b)
	if a.Proposal.ID != b.Proposal.ID {
		t.Fatalf("replay returned a different proposal")
	}

	// The same key from the other party is a separate request.
	w := f.do(t, http.MethodPost, path+"/proposals", "s1", proposal(conv, 5, "Yantai"), "Idempotency-Key", "offer-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("seller with same key: %d %s", w.Code, w.Body.String())
	}

	bad := f.do(t, http.MethodPost, path+"/proposals", "b1", body, "Idempotency-Key", "has spaces")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("invalid key: %d", bad.Code)
	}
}

func TestPreviewProposal_DoesNotPersist(t *testing.T) {
	f := newFixture(t)
	conv := f.ensure(t)
	path := "/conversations/" + conv.Conversation.ID

	w := f.do(t, http.MethodPost, path+"/proposals/preview", "s1", proposal(conv, 10, "Yantai"))
	if w.Code != http.StatusOK {
		t.Fatalf("preview: %d %s", w.Code, w.Body.String())
	}
	var q negotiation.Quote
	decode(t, w, &q)
	if !q.FinalPrice.Equal(decimal.NewFromInt(81000)) || !q.RemainingBalance.Equal(decimal.NewFromInt(64800)) {
		t.Fatalf("quote = %+v", q)
	}

	w = f.do(t, http.MethodGet, "/conversations/"+conv.Conversation.ID, "s1", nil)
	if w.Header().Get("ETag") != snapshotETag(conv.Conversation.ID, 0, 0) {
		t.Fatalf("preview moved the head: %s", w.Header().Get("ETag"))
	}

	if w := f.do(t, http.MethodPost, path+"/proposals/preview", "x9", proposal(conv, 10, "Yantai")); w.Code != http.StatusNotFound {
		t.Fatalf("stranger preview: %d", w.Code)
	}
}

func TestDocumentedPortsAreInCatalog(t *testing.T) {
	ports := negotiation.NewPorts(negotiation.DefaultPortNames)
	var examples []string
	if f, ok := reflect.TypeOf(SubmitProposalRequest{}).FieldByName("SelectedPort"); ok {
		examples = append(examples, f.Tag.Get("example"))
	}
	if f, ok := reflect.TypeOf(PortsResponse{}).FieldByName("Ports"); ok {
		examples = append(examples, strings.Split(f.Tag.Get("example"), ",")...)
	}
	if len(examples) != 3 {
		t.Fatalf("examples = %q", examples)
	}
	for _, name := range examples {
		if _, ok := ports.Resolve(name); !ok {
			t.Errorf("example port %q is not in the default catalog", name)
		}
	}
}
