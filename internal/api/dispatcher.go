// Package api is the JSON-RPC method dispatcher: it validates envelopes,
// authenticates and authorizes callers, and routes each method to the
// internal/services handler that implements it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"i3gateway/internal/auth"
	"i3gateway/internal/eventbus"
	"i3gateway/internal/gwerr"
	"i3gateway/internal/rpcproto"
	"i3gateway/internal/services"
	"i3gateway/internal/session"
)

// RouterStatus reports the upstream router link's condition for the
// status API method and readiness checks. *router.Link satisfies this
// directly, with no adapter type, so this package never imports
// internal/router.
type RouterStatus interface {
	Connected() bool
	StateName() string
}

// Reconnector lets the dispatcher force the upstream link to cycle,
// implementing the reconnect API method. Optional: a nil Reconnector
// makes reconnect report gwerr.ErrInternal.
type Reconnector interface {
	RequestReconnect()
}

// Shutdowner lets the dispatcher trigger an orderly process shutdown for
// the shutdown API method. Optional, same nil behavior as Reconnector.
type Shutdowner interface {
	Shutdown()
}

// ConnState is the per-connection state a transport hands to Handle. A
// transport owns one ConnState per socket and updates Session in place
// once authenticate/resume succeeds.
type ConnState struct {
	Session    *session.Session
	RemoteAddr netip.Addr
	Transport  session.Transport
	Sender     session.Sender
}

// Dispatcher wires authentication, rate limiting, session management, and
// every per-method service handler behind a single JSON-RPC entry point.
type Dispatcher struct {
	LocalMud  string
	StartedAt time.Time

	Auth     *auth.Authenticator
	Sessions *session.Manager
	Events   *eventbus.Bus

	Router      RouterStatus
	Reconnector Reconnector
	Shutdowner  Shutdowner

	Tell    *services.TellService
	Emoteto *services.EmotetoService
	Channel *services.ChannelService
	Who     *services.WhoService
	Finger  *services.FingerService
	Locate  *services.LocateService
	Mudlist *services.MudlistService
}

// Handle processes one JSON-RPC request against cs, returning the
// response to send back. Callers skip sending a response for
// notifications (req.IsNotification()).
func (d *Dispatcher) Handle(ctx context.Context, cs *ConnState, req rpcproto.Request) rpcproto.Response {
	if err := rpcproto.Validate(req); err != nil {
		return rpcproto.NewStandardError(req.ID, -32600, err.Error())
	}

	switch req.Method {
	case "authenticate":
		return d.handleAuthenticate(cs, req)
	case "resume":
		return d.handleResume(cs, req)
	}

	if cs.Session == nil {
		return rpcproto.NewError(req.ID, gwerr.ErrNotAuthenticated, nil)
	}
	cs.Session.Touch()
	cs.Session.RecordRequest()

	if !cs.Session.HasPermission(req.Method) {
		cs.Session.RecordError()
		return rpcproto.NewError(req.ID, gwerr.ErrPermissionDenied, nil)
	}
	if ok, retryAfter := d.Auth.Limiter.Allow(cs.Session.ID, req.Method); !ok {
		cs.Session.RecordError()
		return rpcproto.NewError(req.ID, gwerr.ErrRateLimited, map[string]any{
			"retry_after_ms": retryAfter.Milliseconds(),
		})
	}

	resp, err := d.dispatch(ctx, cs, req)
	if err != nil {
		cs.Session.RecordError()
		return rpcproto.NewError(req.ID, err, nil)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, cs *ConnState, req rpcproto.Request) (rpcproto.Response, error) {
	switch req.Method {
	case "tell":
		return d.handleTell(cs, req)
	case "emoteto":
		return d.handleEmoteto(cs, req)
	case "channel_send":
		return d.handleChannelMessage(cs, req, d.Channel.Send)
	case "channel_emote":
		return d.handleChannelMessage(cs, req, d.Channel.Emote)
	case "channel_targeted":
		return d.handleChannelTargeted(cs, req)
	case "channel_join":
		return d.handleChannelJoin(cs, req)
	case "channel_leave":
		return d.handleChannelLeave(cs, req)
	case "channel_list":
		return d.handleChannelList(req)
	case "channel_who":
		return d.handleChannelWho(ctx, req)
	case "channel_history":
		return d.handleChannelHistory(req)
	case "who":
		return d.handleWho(ctx, req)
	case "finger":
		return d.handleFinger(ctx, req)
	case "locate":
		return d.handleLocate(ctx, req)
	case "mudlist":
		return d.handleMudlist(req)
	case "ping":
		return rpcproto.NewResult(req.ID, map[string]any{"pong": true})
	case "status":
		return d.handleStatus(req)
	case "stats":
		return d.handleStats(cs, req)
	case "reconnect":
		return d.handleReconnect(req)
	case "shutdown":
		return d.handleShutdown(req)
	default:
		return rpcproto.NewStandardError(req.ID, -32601, "method not found"), nil
	}
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: missing params", gwerr.ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", gwerr.ErrInvalidParams, err)
	}
	return p, nil
}

type authenticateParams struct {
	APIKey string `json:"api_key"`
}

func (d *Dispatcher) handleAuthenticate(cs *ConnState, req rpcproto.Request) rpcproto.Response {
	p, err := decodeParams[authenticateParams](req.Params)
	if err != nil {
		return rpcproto.NewError(req.ID, err, nil)
	}
	key, err := d.Auth.Authenticate(p.APIKey, cs.RemoteAddr)
	if err != nil {
		return rpcproto.NewError(req.ID, err, nil)
	}
	perms := make([]string, 0, len(key.Permissions))
	for p := range key.Permissions {
		perms = append(perms, p)
	}
	sess := d.Sessions.Authenticate(key.MudName, key.ID, perms)
	sess.Transport = cs.Transport
	if cs.Sender != nil {
		sess.Attach(cs.Sender)
	}
	d.Events.Register(session.EventSubscriber{Session: sess})
	cs.Session = sess

	resp, merr := rpcproto.NewResult(req.ID, map[string]any{
		"status":      "authenticated",
		"session_id":  sess.ID,
		"mud_name":    sess.MudName,
		"permissions": perms,
	})
	if merr != nil {
		return rpcproto.NewError(req.ID, merr, nil)
	}
	return resp
}

type resumeParams struct {
	SessionID string `json:"session_id"`
}

func (d *Dispatcher) handleResume(cs *ConnState, req rpcproto.Request) rpcproto.Response {
	p, err := decodeParams[resumeParams](req.Params)
	if err != nil {
		return rpcproto.NewError(req.ID, err, nil)
	}
	sess, ok := d.Sessions.Resume(p.SessionID)
	if !ok {
		return rpcproto.NewError(req.ID, gwerr.ErrSessionExpired, nil)
	}
	sess.Transport = cs.Transport
	queuedEvents := sess.OfflineQueueLen()
	if cs.Sender != nil {
		sess.Attach(cs.Sender)
	}
	d.Events.Register(session.EventSubscriber{Session: sess})
	cs.Session = sess

	resp, merr := rpcproto.NewResult(req.ID, map[string]any{
		"status":        "resumed",
		"session_id":    sess.ID,
		"queued_events": queuedEvents,
	})
	if merr != nil {
		return rpcproto.NewError(req.ID, merr, nil)
	}
	return resp
}

type tellParams struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	Message    string `json:"message"`
	FromUser   string `json:"from_user,omitempty"`
}

func (d *Dispatcher) handleTell(cs *ConnState, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[tellParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	from := p.FromUser
	if from == "" {
		from = cs.Session.APIKeyID
	}
	if err := d.Tell.Send(services.TellParams{
		FromUser:   from,
		TargetMud:  p.TargetMud,
		TargetUser: p.TargetUser,
		Message:    p.Message,
	}); err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.NewResult(req.ID, map[string]any{"status": "sent"})
}

type emotetoParams struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	Emote      string `json:"emote"`
	FromUser   string `json:"from_user,omitempty"`
}

func (d *Dispatcher) handleEmoteto(cs *ConnState, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[emotetoParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	from := p.FromUser
	if from == "" {
		from = cs.Session.APIKeyID
	}
	if err := d.Emoteto.Send(services.EmotetoParams{
		FromUser:   from,
		TargetMud:  p.TargetMud,
		TargetUser: p.TargetUser,
		Message:    p.Emote,
	}); err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.NewResult(req.ID, map[string]any{"status": "sent"})
}

type channelMessageParams struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
	Visname string `json:"visname,omitempty"`
}

func (d *Dispatcher) handleChannelMessage(cs *ConnState, req rpcproto.Request, send func(services.ChannelMessageParams) error) (rpcproto.Response, error) {
	p, err := decodeParams[channelMessageParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	if err := send(services.ChannelMessageParams{
		Channel: p.Channel,
		User:    cs.Session.APIKeyID,
		Visname: p.Visname,
		Message: p.Message,
	}); err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.NewResult(req.ID, map[string]any{"status": "sent"})
}

type channelTargetedParams struct {
	Channel    string `json:"channel"`
	TargetUser string `json:"target_user"`
	Message    string `json:"message"`
	Visname    string `json:"visname,omitempty"`
}

func (d *Dispatcher) handleChannelTargeted(cs *ConnState, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[channelTargetedParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	if err := d.Channel.Targeted(services.TargetedParams{
		Channel:    p.Channel,
		User:       cs.Session.APIKeyID,
		Visname:    p.Visname,
		Message:    p.Message,
		TargetUser: p.TargetUser,
	}); err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.NewResult(req.ID, map[string]any{"status": "sent"})
}

type channelMembershipParams struct {
	Channel    string `json:"channel"`
	ListenOnly bool   `json:"listen_only,omitempty"`
}

func (d *Dispatcher) handleChannelJoin(cs *ConnState, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[channelMembershipParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	d.Channel.Join(cs.Session, p.Channel, cs.Session.APIKeyID)
	return rpcproto.NewResult(req.ID, map[string]any{"status": "joined"})
}

func (d *Dispatcher) handleChannelLeave(cs *ConnState, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[channelMembershipParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	d.Channel.Leave(cs.Session, p.Channel, cs.Session.APIKeyID)
	return rpcproto.NewResult(req.ID, map[string]any{"status": "left"})
}

type refreshParams struct {
	Refresh bool   `json:"refresh,omitempty"`
	Filter  string `json:"filter,omitempty"`
}

func (d *Dispatcher) handleChannelList(req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[refreshParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	raw, err := d.Channel.List(p.Refresh)
	if err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.Response{JSONRPC: rpcproto.Version, Result: raw, ID: req.ID}, nil
}

type channelNameParams struct {
	Channel string `json:"channel"`
}

func (d *Dispatcher) handleChannelWho(ctx context.Context, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[channelNameParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	raw, err := d.Channel.Who(ctx, p.Channel)
	if err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.Response{JSONRPC: rpcproto.Version, Result: raw, ID: req.ID}, nil
}

type channelHistoryParams struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit,omitempty"`
}

func (d *Dispatcher) handleChannelHistory(req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[channelHistoryParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	entries := d.Channel.History(p.Channel, p.Limit)
	return rpcproto.NewResult(req.ID, map[string]any{"channel": p.Channel, "history": entries})
}

type targetMudParams struct {
	TargetMud string `json:"target_mud"`
}

func (d *Dispatcher) handleWho(ctx context.Context, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[targetMudParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	raw, err := d.Who.Request(ctx, p.TargetMud)
	if err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.Response{JSONRPC: rpcproto.Version, Result: raw, ID: req.ID}, nil
}

type fingerParams struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
}

func (d *Dispatcher) handleFinger(ctx context.Context, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[fingerParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	raw, err := d.Finger.Request(ctx, p.TargetMud, p.TargetUser)
	if err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.Response{JSONRPC: rpcproto.Version, Result: raw, ID: req.ID}, nil
}

type locateParams struct {
	TargetUser string `json:"target_user"`
}

func (d *Dispatcher) handleLocate(ctx context.Context, req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[locateParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	raw, err := d.Locate.Request(ctx, p.TargetUser)
	if err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.Response{JSONRPC: rpcproto.Version, Result: raw, ID: req.ID}, nil
}

type mudlistParams struct {
	Refresh bool   `json:"refresh,omitempty"`
	Filter  string `json:"filter,omitempty"`
}

func (d *Dispatcher) handleMudlist(req rpcproto.Request) (rpcproto.Response, error) {
	p, err := decodeParams[mudlistParams](req.Params)
	if err != nil {
		return rpcproto.Response{}, err
	}
	raw, err := d.Mudlist.Get(p.Refresh)
	if err != nil {
		return rpcproto.Response{}, err
	}
	if p.Filter == "" {
		return rpcproto.Response{JSONRPC: rpcproto.Version, Result: raw, ID: req.ID}, nil
	}
	filtered, err := filterMudlist(raw, p.Filter)
	if err != nil {
		return rpcproto.Response{}, err
	}
	return rpcproto.Response{JSONRPC: rpcproto.Version, Result: filtered, ID: req.ID}, nil
}

func filterMudlist(raw json.RawMessage, filter string) (json.RawMessage, error) {
	var decoded struct {
		Muds []map[string]any `json:"muds"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: filtering mudlist: %v", gwerr.ErrInternal, err)
	}
	needle := strings.ToLower(filter)
	kept := decoded.Muds[:0]
	for _, m := range decoded.Muds {
		name, _ := m["Name"].(string)
		if strings.Contains(strings.ToLower(name), needle) {
			kept = append(kept, m)
		}
	}
	out, err := json.Marshal(map[string]any{"muds": kept})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling filtered mudlist: %v", gwerr.ErrInternal, err)
	}
	return out, nil
}

func (d *Dispatcher) handleStatus(req rpcproto.Request) (rpcproto.Response, error) {
	connected := false
	state := "unknown"
	if d.Router != nil {
		connected = d.Router.Connected()
		state = d.Router.StateName()
	}
	return rpcproto.NewResult(req.ID, map[string]any{
		"mud_name":         d.LocalMud,
		"router_connected": connected,
		"router_state":     state,
		"uptime_seconds":   time.Since(d.StartedAt).Seconds(),
	})
}

func (d *Dispatcher) handleStats(cs *ConnState, req rpcproto.Request) (rpcproto.Response, error) {
	requests, errs, bytes := cs.Session.Counters()
	return rpcproto.NewResult(req.ID, map[string]any{
		"requests": requests,
		"errors":   errs,
		"bytes":    bytes,
		"idle_ms":  cs.Session.Idle().Milliseconds(),
	})
}

func (d *Dispatcher) handleReconnect(req rpcproto.Request) (rpcproto.Response, error) {
	if d.Reconnector == nil {
		return rpcproto.Response{}, fmt.Errorf("%w: reconnect not supported", gwerr.ErrInternal)
	}
	d.Reconnector.RequestReconnect()
	return rpcproto.NewResult(req.ID, map[string]any{"status": "reconnecting"})
}

func (d *Dispatcher) handleShutdown(req rpcproto.Request) (rpcproto.Response, error) {
	if d.Shutdowner == nil {
		return rpcproto.Response{}, fmt.Errorf("%w: shutdown not supported", gwerr.ErrInternal)
	}
	d.Shutdowner.Shutdown()
	return rpcproto.NewResult(req.ID, map[string]any{"status": "shutting_down"})
}
