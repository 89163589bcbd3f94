package binaryproto

import (
	"context"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/pkg/wire"
	"github.com/streamhouse/streamhouse/streaming/system"
)

var metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "streamhouse",
	Name:      "commands_total",
	Help:      "Commands handled, by name and outcome.",
}, []string{"command", "outcome"})

// Dispatcher executes one decoded request against the System. Handlers
// validate the payload, authorize via the session, mutate the system, and
// leave a journal entry for successful mutating commands. No System-wide
// lock is ever held across I/O.
type Dispatcher struct {
	sys    *system.System
	logger kitlog.Logger
}

func NewDispatcher(sys *system.System, logger kitlog.Logger) *Dispatcher {
	return &Dispatcher{sys: sys, logger: kitlog.With(logger, "component", "dispatcher")}
}

// preAuthCommand reports whether code may run on a merely Connected session.
func preAuthCommand(code uint32) bool {
	switch code {
	case wire.CommandPing, wire.CommandLoginUser, wire.CommandLoginWithAccessToken:
		return true
	}
	return false
}

// rootOnlyCommand marks the administrative surface reserved for root.
func rootOnlyCommand(code uint32) bool {
	switch code {
	case wire.CommandCreateUser, wire.CommandDeleteUser, wire.CommandUpdateUser,
		wire.CommandUpdatePermissions, wire.CommandGetUsers, wire.CommandGetClients,
		wire.CommandGetClient:
		return true
	}
	return false
}

// Handle runs one request and returns the response payload.
func (d *Dispatcher) Handle(ctx context.Context, session *system.Session, req wire.Request) ([]byte, error) {
	if !preAuthCommand(req.Command) && !session.IsAuthenticated() {
		metricCommands.WithLabelValues(wire.CommandName(req.Command), "unauthenticated").Inc()
		return nil, streamerr.ErrNotAuthenticated
	}
	if rootOnlyCommand(req.Command) && !d.sys.IsRoot(session) {
		metricCommands.WithLabelValues(wire.CommandName(req.Command), "unauthorized").Inc()
		return nil, streamerr.ErrUnauthorized
	}

	payload, err := d.dispatch(ctx, session, req)
	switch {
	case err == nil:
		metricCommands.WithLabelValues(wire.CommandName(req.Command), "ok").Inc()
		if wire.IsMutating(req.Command) {
			if jerr := d.sys.State().AppendJournal(req.Command, req.Payload); jerr != nil {
				level.Error(d.logger).Log("msg", "writing state journal entry failed",
					"command", wire.CommandName(req.Command), "err", jerr)
			}
		}
	case streamerr.IsBenign(err):
		metricCommands.WithLabelValues(wire.CommandName(req.Command), "benign").Inc()
		level.Debug(d.logger).Log("msg", "command returned benign error",
			"command", wire.CommandName(req.Command), "err", err)
	default:
		metricCommands.WithLabelValues(wire.CommandName(req.Command), "error").Inc()
		level.Error(d.logger).Log("msg", "command failed",
			"command", wire.CommandName(req.Command), "client", session.ClientID, "err", err)
	}
	return payload, err
}

func (d *Dispatcher) dispatch(ctx context.Context, session *system.Session, req wire.Request) ([]byte, error) {
	switch req.Command {
	case wire.CommandPing:
		return d.handlePing()
	case wire.CommandGetStats:
		return d.handleGetStats()
	case wire.CommandGetMe:
		return d.handleGetMe(session)
	case wire.CommandGetClient:
		return d.handleGetClient(req.Payload)
	case wire.CommandGetClients:
		return d.handleGetClients()

	case wire.CommandLoginUser:
		return d.handleLoginUser(session, req.Payload)
	case wire.CommandLoginWithAccessToken:
		return d.handleLoginWithToken(session, req.Payload)
	case wire.CommandLogoutUser:
		return d.handleLogout(session)
	case wire.CommandCreateUser:
		return d.handleCreateUser(req.Payload)
	case wire.CommandDeleteUser:
		return d.handleDeleteUser(req.Payload)
	case wire.CommandUpdateUser:
		return d.handleUpdateUser(req.Payload)
	case wire.CommandChangePassword:
		return d.handleChangePassword(req.Payload)
	case wire.CommandGetUsers:
		return d.handleGetUsers()
	case wire.CommandCreateAccessToken:
		return d.handleCreateAccessToken(session, req.Payload)
	case wire.CommandDeleteAccessToken:
		return d.handleDeleteAccessToken(session, req.Payload)
	case wire.CommandGetAccessTokens:
		return d.handleGetAccessTokens(session)

	case wire.CommandCreateStream:
		return d.handleCreateStream(req.Payload)
	case wire.CommandGetStream:
		return d.handleGetStream(req.Payload)
	case wire.CommandGetStreams:
		return d.handleGetStreams()
	case wire.CommandUpdateStream:
		return d.handleUpdateStream(req.Payload)
	case wire.CommandDeleteStream:
		return d.handleDeleteStream(ctx, req.Payload)
	case wire.CommandPurgeStream:
		return d.handlePurgeStream(ctx, req.Payload)

	case wire.CommandCreateTopic:
		return d.handleCreateTopic(req.Payload)
	case wire.CommandGetTopic:
		return d.handleGetTopic(req.Payload)
	case wire.CommandGetTopics:
		return d.handleGetTopics(req.Payload)
	case wire.CommandUpdateTopic:
		return d.handleUpdateTopic(req.Payload)
	case wire.CommandDeleteTopic:
		return d.handleDeleteTopic(ctx, req.Payload)
	case wire.CommandPurgeTopic:
		return d.handlePurgeTopic(ctx, req.Payload)
	case wire.CommandCreatePartitions:
		return d.handleCreatePartitions(req.Payload)
	case wire.CommandDeletePartitions:
		return d.handleDeletePartitions(ctx, req.Payload)

	case wire.CommandSendMessages:
		return d.handleSendMessages(ctx, req.Payload)
	case wire.CommandPollMessages:
		return d.handlePollMessages(ctx, session, req.Payload)
	case wire.CommandStoreConsumerOffset:
		return d.handleStoreConsumerOffset(req.Payload)
	case wire.CommandGetConsumerOffset:
		return d.handleGetConsumerOffset(req.Payload)

	case wire.CommandCreateConsumerGroup:
		return d.handleCreateConsumerGroup(req.Payload)
	case wire.CommandGetConsumerGroup:
		return d.handleGetConsumerGroup(req.Payload)
	case wire.CommandGetConsumerGroups:
		return d.handleGetConsumerGroups(req.Payload)
	case wire.CommandDeleteConsumerGroup:
		return d.handleDeleteConsumerGroup(req.Payload)
	case wire.CommandJoinConsumerGroup:
		return d.handleJoinConsumerGroup(session, req.Payload)
	case wire.CommandLeaveConsumerGroup:
		return d.handleLeaveConsumerGroup(session, req.Payload)
	}
	return nil, streamerr.ErrInvalidCommand
}
