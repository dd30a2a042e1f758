// Package indexer provides the typed REST facade over the block indexer.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// Event names emitted by the marketplace contracts.
const (
	EventAgreementCreated = "AgreementCreated"
	EventAgreementClosed  = "AgreementClosed"
)

const defaultPageLimit = 100

// Event is one block-scoped contract event. Pages come back in
// deterministic but unordered form; SortEvents must be applied before
// replay.
type Event struct {
	BlockNumber     uint64          `json:"blockNumber"`
	LogIndex        uint64          `json:"logIndex"`
	ContractAddress string          `json:"contractAddress"`
	Name            string          `json:"eventName"`
	Args            json.RawMessage `json:"args"`
}

// AgreementEventArgs are the decoded arguments shared by the agreement
// lifecycle events.
type AgreementEventArgs struct {
	AgreementID     uint64 `json:"id"`
	OfferID         uint32 `json:"offerId"`
	UserAddress     string `json:"userAddress"`
	ProviderAddress string `json:"providerAddress"`
}

// DecodeAgreementArgs decodes the event arguments of an agreement event.
func (e *Event) DecodeAgreementArgs() (*AgreementEventArgs, error) {
	var args AgreementEventArgs
	if err := json.Unmarshal(e.Args, &args); err != nil {
		return nil, fmt.Errorf("decode %s args: %w", e.Name, err)
	}
	return &args, nil
}

// EventQuery filters GetEvents.
type EventQuery struct {
	ContractAddress string
	EventName       string
	FromBlock       uint64
	ToBlock         uint64
	Limit           int
	AutoPaginate    bool
}

// AgreementQuery filters GetAgreements.
type AgreementQuery struct {
	ProtocolAddress string
	ProviderAddress string
	Status          chain.AgreementStatus
	ID              *uint64
	AutoPaginate    bool
}

// Client talks to the indexer REST API. Network failures surface as
// perrors.TransportError; everything else is a domain error.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an indexer client for the given endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		baseURL: endpoint,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type eventsPage struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"nextCursor"`
}

type agreementsPage struct {
	Agreements []agreementRecord `json:"agreements"`
	NextCursor string            `json:"nextCursor"`
}

type agreementRecord struct {
	ID              uint64 `json:"id"`
	UserAddress     string `json:"userAddress"`
	ProviderAddress string `json:"providerAddress"`
	OfferID         uint32 `json:"offerId"`
	Balance         string `json:"balance"`
	Status          string `json:"status"`
	StartedAt       int64  `json:"startedAt"`
	EndedAt         int64  `json:"endedAt"`
}

// GetEvents returns processed events matching the query. With AutoPaginate
// it follows cursors until exhaustion; callers still must sort before
// applying (SortEvents).
func (c *Client) GetEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	values := url.Values{}
	values.Set("contractAddress", chain.NormalizeAddress(q.ContractAddress))
	values.Set("eventName", q.EventName)
	values.Set("fromBlock", strconv.FormatUint(q.FromBlock, 10))
	if q.ToBlock > 0 {
		values.Set("toBlock", strconv.FormatUint(q.ToBlock, 10))
	}
	values.Set("processed", "true")
	values.Set("limit", strconv.Itoa(limit))

	var all []Event
	for {
		var page eventsPage
		if err := c.get(ctx, "/events", values, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if !q.AutoPaginate || page.NextCursor == "" {
			return all, nil
		}
		values.Set("cursor", page.NextCursor)
	}
}

// LastProcessedBlock returns the highest block the indexer has fully
// processed, or 0 when it has seen nothing yet.
func (c *Client) LastProcessedBlock(ctx context.Context, contractAddress string) (uint64, error) {
	values := url.Values{}
	values.Set("contractAddress", chain.NormalizeAddress(contractAddress))
	values.Set("processed", "true")
	values.Set("limit", "1")
	values.Set("order", "desc")

	var page eventsPage
	if err := c.get(ctx, "/events", values, &page); err != nil {
		return 0, err
	}
	if len(page.Events) == 0 {
		return 0, nil
	}
	return page.Events[0].BlockNumber, nil
}

// GetAgreements returns agreement snapshots matching the query.
func (c *Client) GetAgreements(ctx context.Context, q AgreementQuery) ([]*chain.Agreement, error) {
	values := url.Values{}
	values.Set("protocolAddress", chain.NormalizeAddress(q.ProtocolAddress))
	if q.ProviderAddress != "" {
		values.Set("providerAddress", chain.NormalizeAddress(q.ProviderAddress))
	}
	if q.Status != "" {
		values.Set("status", string(q.Status))
	}
	if q.ID != nil {
		values.Set("id", strconv.FormatUint(*q.ID, 10))
	}
	values.Set("limit", strconv.Itoa(defaultPageLimit))

	var all []*chain.Agreement
	for {
		var page agreementsPage
		if err := c.get(ctx, "/agreements", values, &page); err != nil {
			return nil, err
		}
		for _, rec := range page.Agreements {
			ag, err := rec.toAgreement()
			if err != nil {
				return nil, err
			}
			all = append(all, ag)
		}
		if !q.AutoPaginate || page.NextCursor == "" {
			return all, nil
		}
		values.Set("cursor", page.NextCursor)
	}
}

// IsHealthy probes the indexer health endpoint.
func (c *Client) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) get(ctx context.Context, path string, values url.Values, out any) error {
	u := c.baseURL + path + "?" + values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build indexer request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return perrors.NewTransportError("indexer "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return perrors.NewTransportError("indexer "+path, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return perrors.NewTransportError("indexer "+path,
			fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode != http.StatusOK {
		return perrors.NewDomainError("indexer "+path,
			fmt.Sprintf("status %d: %s", resp.StatusCode, body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return perrors.NewDomainError("indexer "+path, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func (r agreementRecord) toAgreement() (*chain.Agreement, error) {
	user, err := chain.ParseAddress(r.UserAddress)
	if err != nil {
		return nil, fmt.Errorf("agreement %d: %w", r.ID, err)
	}
	prov, err := chain.ParseAddress(r.ProviderAddress)
	if err != nil {
		return nil, fmt.Errorf("agreement %d: %w", r.ID, err)
	}
	balance, ok := new(big.Int).SetString(r.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("agreement %d: invalid balance %q", r.ID, r.Balance)
	}
	ag := &chain.Agreement{
		ID:              r.ID,
		UserAddress:     user,
		ProviderAddress: prov,
		OfferID:         r.OfferID,
		Balance:         balance,
		Status:          chain.AgreementStatus(r.Status),
		StartedAt:       time.Unix(r.StartedAt, 0).UTC(),
	}
	if r.EndedAt > 0 {
		ag.EndedAt = time.Unix(r.EndedAt, 0).UTC()
	}
	return ag, nil
}

// SortEvents orders events ascending by block number, then by log index.
// The sort is stable so the indexer's intra-block ordering survives for
// events without a log index.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}
