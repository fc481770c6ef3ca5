// Package lifecycle implements the order state machine: the legal transition
// graph, the escrow stage each state implies, and the side effects of a
// successful transition (history append, progress, notification intent).
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/notify"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

// Event names a lifecycle trigger.
type Event string

const (
	EventDepositPaid          Event = "onDepositPaid"
	EventAccept               Event = "onAccept"
	EventMeasurementConfirmed Event = "onMeasurementConfirmed"
	EventFabricSourced        Event = "onFabricSourced"
	EventCuttingStarted       Event = "onCuttingStarted"
	EventSewingStarted        Event = "onSewingStarted"
	EventFittingScheduled     Event = "onFittingScheduled"
	EventFittingCompleted     Event = "onFittingCompleted"
	EventFittingPaid          Event = "onFittingPaid"
	EventFinalInspection      Event = "onFinalInspection"
	EventReadyForDelivery     Event = "onReadyForDelivery"
	EventFinalPaid            Event = "onFinalPaid"
	EventComplete             Event = "onComplete"
	EventCancel               Event = "onCancel"
	EventDispute              Event = "onDispute"
	EventResolution           Event = "onResolution"
)

// transitions is the (state, event) -> state graph. An event absent from the
// current state's set is a business-rule rejection, not a fault.
var transitions = map[models.OrderStatus]map[Event]models.OrderStatus{
	models.StatusSubmitted: {
		EventDepositPaid: models.StatusDepositPaid,
		EventCancel:      models.StatusCancelled,
	},
	models.StatusDepositPaid: {
		EventAccept:  models.StatusAccepted,
		EventCancel:  models.StatusCancelled,
		EventDispute: models.StatusDisputed,
	},
	models.StatusAccepted: {
		EventMeasurementConfirmed: models.StatusMeasurementConfirmed,
		EventCancel:               models.StatusCancelled,
		EventDispute:              models.StatusDisputed,
	},
	models.StatusMeasurementConfirmed: {
		EventFabricSourced: models.StatusFabricSourced,
		EventDispute:       models.StatusDisputed,
	},
	models.StatusFabricSourced: {
		EventCuttingStarted: models.StatusCuttingStarted,
		EventDispute:        models.StatusDisputed,
	},
	models.StatusCuttingStarted: {
		EventSewingStarted: models.StatusSewingInProgress,
		EventDispute:       models.StatusDisputed,
	},
	models.StatusSewingInProgress: {
		EventFittingScheduled: models.StatusFittingScheduled,
		EventDispute:          models.StatusDisputed,
	},
	models.StatusFittingScheduled: {
		EventFittingCompleted: models.StatusFittingCompleted,
		EventDispute:          models.StatusDisputed,
	},
	models.StatusFittingCompleted: {
		EventFittingPaid: models.StatusAdjustmentsInProgress,
		EventDispute:     models.StatusDisputed,
	},
	models.StatusAdjustmentsInProgress: {
		EventFinalInspection: models.StatusFinalInspection,
		EventDispute:         models.StatusDisputed,
	},
	models.StatusFinalInspection: {
		EventReadyForDelivery: models.StatusReadyForDelivery,
		EventDispute:          models.StatusDisputed,
	},
	models.StatusReadyForDelivery: {
		EventFinalPaid: models.StatusDelivered,
		EventDispute:   models.StatusDisputed,
	},
	models.StatusDelivered: {
		EventComplete: models.StatusCompleted,
		EventDispute:  models.StatusDisputed,
	},
	models.StatusDisputed: {
		EventResolution: models.StatusSewingInProgress,
		EventCancel:     models.StatusCancelled,
	},
	models.StatusCompleted: {},
	models.StatusCancelled: {},
}

// stageByStatus maps each lifecycle state to the escrow stage it implies.
// The stage names the installment currently active: once an installment is
// collected the next one becomes the active stage.
var stageByStatus = map[models.OrderStatus]models.EscrowStage{
	models.StatusSubmitted:             models.StageDeposit,
	models.StatusDepositPaid:           models.StageFitting,
	models.StatusAccepted:              models.StageFitting,
	models.StatusMeasurementConfirmed:  models.StageFitting,
	models.StatusFabricSourced:         models.StageFitting,
	models.StatusCuttingStarted:        models.StageFitting,
	models.StatusSewingInProgress:      models.StageFitting,
	models.StatusFittingScheduled:      models.StageFitting,
	models.StatusFittingCompleted:      models.StageFitting,
	models.StatusAdjustmentsInProgress: models.StageFinal,
	models.StatusFinalInspection:       models.StageFinal,
	models.StatusReadyForDelivery:      models.StageFinal,
	models.StatusDelivered:             models.StageFinal,
	models.StatusCompleted:             models.StageReleased,
	models.StatusCancelled:             models.StageRefunded,
	models.StatusDisputed:              models.StageHeld,
}

// progressByStatus is the percentage shown to customers, monotonically
// increasing along the happy path.
var progressByStatus = map[models.OrderStatus]int{
	models.StatusSubmitted:             0,
	models.StatusDepositPaid:           10,
	models.StatusAccepted:              15,
	models.StatusMeasurementConfirmed:  25,
	models.StatusFabricSourced:         35,
	models.StatusCuttingStarted:        45,
	models.StatusSewingInProgress:      55,
	models.StatusFittingScheduled:      65,
	models.StatusFittingCompleted:      70,
	models.StatusAdjustmentsInProgress: 78,
	models.StatusFinalInspection:       85,
	models.StatusReadyForDelivery:      90,
	models.StatusDelivered:             95,
	models.StatusCompleted:             100,
	models.StatusCancelled:             0,
	models.StatusDisputed:              0,
}

// StageFor returns the escrow stage implied by a lifecycle state: the
// installment currently being collected, not the last one settled.
func StageFor(status models.OrderStatus) models.EscrowStage {
	return stageByStatus[status]
}

// ProgressFor returns the progress percentage for a lifecycle state.
func ProgressFor(status models.OrderStatus) int {
	return progressByStatus[status]
}

// CanApply reports whether event is legal in the given state.
func CanApply(status models.OrderStatus, event Event) bool {
	_, ok := transitions[status][event]
	return ok
}

// Decision is the outcome of applying an event. Rejections are reported here
// rather than as errors; only infrastructure faults surface as errors.
type Decision struct {
	Applied    bool
	Reason     string
	FromStatus models.OrderStatus
	ToStatus   models.OrderStatus
	Stage      models.EscrowStage
	Progress   int
	// NotifyFailed marks a partial success: the transition committed but the
	// notification could not be emitted.
	NotifyFailed bool
}

type Machine struct {
	store    store.Store
	notifier notify.Notifier
	logger   *zap.Logger
}

func NewMachine(s store.Store, n notify.Notifier, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: s, notifier: n, logger: logger}
}

// Apply validates and applies event to the order. The status/stage/progress
// update and the history append commit atomically; a concurrent transition
// surfaces as store.ErrStatusConflict.
func (m *Machine) Apply(ctx context.Context, orderID uuid.UUID, event Event, actor string) (Decision, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return Decision{}, fmt.Errorf("load order: %w", err)
	}

	target, ok := transitions[order.Status][event]
	if !ok {
		reason := fmt.Sprintf("invalid transition: event %s not allowed in state %s", event, order.Status)
		if order.Status.IsTerminal() {
			reason = fmt.Sprintf("order terminal: state %s accepts no further events", order.Status)
		}
		return Decision{Applied: false, Reason: reason, FromStatus: order.Status}, nil
	}

	stage := stageByStatus[target]
	progress := progressByStatus[target]
	hist := &models.StatusHistory{
		ID:         uuid.New(),
		OrderID:    orderID,
		FromStatus: order.Status,
		ToStatus:   target,
		Event:      string(event),
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}

	if err := m.store.UpdateOrderStatus(ctx, orderID, order.Status, target, stage, progress, hist); err != nil {
		return Decision{}, fmt.Errorf("apply transition %s -> %s: %w", order.Status, target, err)
	}

	d := Decision{
		Applied:    true,
		FromStatus: order.Status,
		ToStatus:   target,
		Stage:      stage,
		Progress:   progress,
	}

	m.logger.Info("order transitioned",
		zap.String("order_id", orderID.String()),
		zap.String("from", string(order.Status)),
		zap.String("to", string(target)),
		zap.String("event", string(event)),
		zap.String("stage", string(stage)))

	if intent, ok := notificationFor(order, target); ok {
		if err := m.notifier.Emit(ctx, intent); err != nil {
			// Partial success: the transition has already committed.
			m.logger.Warn("notification emit failed",
				zap.String("order_id", orderID.String()),
				zap.String("event", intent.EventType),
				zap.Error(err))
			d.NotifyFailed = true
		}
	}

	return d, nil
}

// notificationFor selects the recipient for the states worth announcing.
func notificationFor(order *models.Order, target models.OrderStatus) (notify.Intent, bool) {
	payload := map[string]any{
		"order_id": order.ID.String(),
		"status":   string(target),
		"progress": progressByStatus[target],
	}

	switch target {
	case models.StatusDepositPaid:
		return notify.Intent{RecipientID: order.TailorID, EventType: "order.deposit_paid", Payload: payload}, true
	case models.StatusAccepted:
		return notify.Intent{RecipientID: order.CustomerID, EventType: "order.accepted", Payload: payload}, true
	case models.StatusFittingScheduled:
		return notify.Intent{RecipientID: order.CustomerID, EventType: "order.fitting_scheduled", Payload: payload}, true
	case models.StatusReadyForDelivery:
		return notify.Intent{RecipientID: order.CustomerID, EventType: "order.ready_for_delivery", Payload: payload}, true
	case models.StatusDelivered:
		return notify.Intent{RecipientID: order.CustomerID, EventType: "order.delivered", Payload: payload}, true
	case models.StatusCompleted:
		return notify.Intent{RecipientID: order.CustomerID, EventType: "order.completed", Payload: payload}, true
	case models.StatusCancelled:
		return notify.Intent{RecipientID: order.CustomerID, EventType: "order.cancelled", Payload: payload}, true
	case models.StatusDisputed:
		return notify.Intent{RecipientID: order.TailorID, EventType: "order.disputed", Payload: payload}, true
	}
	return notify.Intent{}, false
}
