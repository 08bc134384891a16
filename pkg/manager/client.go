package manager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dssys/summerset-go/pkg/wire"
)

// Client is the replica-side stub for talking to a Manager over HTTP,
// mirroring the teacher's pkg/rpc/client.go request/response shape but
// against the manager's JSON control-plane instead of gRPC.
type Client struct {
	baseURL string
	http    *http.Client
	nonce   string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		nonce:   uuid.NewString(),
	}
}

// Register joins the cluster, retrying the same nonce on every call so a
// lost response can be safely retried without risking a double-assigned id.
func (c *Client) Register(selfAddr, apiAddr string) (wire.RegisterReply, error) {
	body, _ := json.Marshal(registerHTTPRequest{Nonce: c.nonce, Addr: selfAddr, APIAddr: apiAddr})
	resp, err := c.http.Post(c.baseURL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return wire.RegisterReply{}, fmt.Errorf("manager: register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wire.RegisterReply{}, fmt.Errorf("manager: register: status %d", resp.StatusCode)
	}
	var reply wire.RegisterReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return wire.RegisterReply{}, fmt.Errorf("manager: decode register reply: %w", err)
	}
	return reply, nil
}

// Status fetches the control-plane's current view of API peer addresses and
// the last-reported leader, the Client Endpoint's manager-discovery step
// (spec §4 "Client Endpoint ... discovery via manager").
func (c *Client) Status() (StatusReply, error) {
	resp, err := c.http.Get(c.baseURL + "/status")
	if err != nil {
		return StatusReply{}, fmt.Errorf("manager: status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StatusReply{}, fmt.Errorf("manager: status: status %d", resp.StatusCode)
	}
	var status StatusReply
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return StatusReply{}, fmt.Errorf("manager: decode status: %w", err)
	}
	return status, nil
}

// ReportLeaderStatus tells the manager this replica believes it is (or is
// no longer) the leader for term.
func (c *Client) ReportLeaderStatus(self wire.ReplicaID, stepUp bool, term wire.Term) error {
	body, _ := json.Marshal(leaderStatusHTTPRequest{Replica: uint8(self), StepUp: stepUp, Term: uint64(term)})
	resp, err := c.http.Post(c.baseURL+"/leader-status", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("manager: leader-status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manager: leader-status: status %d", resp.StatusCode)
	}
	return nil
}
