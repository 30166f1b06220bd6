package router

import (
	"fmt"

	"unichat-realtime/internal/models"
	"unichat-realtime/internal/presence"
)

// Call signaling is a stateless relay over the same connection as chat. The
// gateway holds no call state: a duplicate start for a ringing call is
// relayed again and reconciled by the receiving client, keyed by chatId.

func (r *Router) handleStartCallDirect(sender presence.Conn, env models.Envelope) error {
	signal, err := decodeCall(sender, env)
	if err != nil {
		return err
	}
	if signal.Receiver == "" {
		return fmt.Errorf("%w: receiver", ErrMissingField)
	}
	if err := checkCallType(signal.CallType); err != nil {
		return err
	}

	recipient, ok := r.registry.Lookup(signal.Receiver)
	if !ok {
		r.logger.Debug("[ROUTER] Callee offline", "receiver", signal.Receiver, "chat", signal.ChatID)
		return nil
	}
	r.emit(recipient, models.EventCalling, signal)
	return nil
}

func (r *Router) handleEndCallDirect(sender presence.Conn, env models.Envelope) error {
	signal, err := decodeCall(sender, env)
	if err != nil {
		return err
	}
	if signal.Receiver == "" {
		return fmt.Errorf("%w: receiver", ErrMissingField)
	}
	if err := checkCallAction(signal.Action); err != nil {
		return err
	}

	recipient, ok := r.registry.Lookup(signal.Receiver)
	if !ok {
		r.logger.Debug("[ROUTER] Call peer offline", "receiver", signal.Receiver, "chat", signal.ChatID)
		return nil
	}
	r.emit(recipient, models.EventEnding, signal)
	return nil
}

func (r *Router) handleStartCallGroup(sender presence.Conn, env models.Envelope) error {
	signal, err := decodeCall(sender, env)
	if err != nil {
		return err
	}
	room := signal.Room()
	if room == "" {
		return fmt.Errorf("%w: courseId", ErrMissingField)
	}
	if err := checkCallType(signal.CallType); err != nil {
		return err
	}

	n := r.emitRoom(room, sender.ID(), models.EventCallingGroup, signal)
	r.logger.Debug("[ROUTER] Group call started", "room", room, "chat", signal.ChatID, "rung", n)
	return nil
}

func (r *Router) handleEndCallGroup(sender presence.Conn, env models.Envelope) error {
	signal, err := decodeCall(sender, env)
	if err != nil {
		return err
	}
	room := signal.Room()
	if room == "" {
		return fmt.Errorf("%w: courseId", ErrMissingField)
	}
	if err := checkCallAction(signal.Action); err != nil {
		return err
	}

	r.emitRoom(room, sender.ID(), models.EventEndingGroup, signal)
	return nil
}

func decodeCall(sender presence.Conn, env models.Envelope) (models.CallSignal, error) {
	var signal models.CallSignal
	if err := env.Decode(&signal); err != nil {
		return signal, fmt.Errorf("decode call signal: %w", err)
	}
	if signal.ChatID == "" {
		return signal, fmt.Errorf("%w: chatId", ErrMissingField)
	}
	signal.CallerID = sender.UserID()
	return signal, nil
}

func checkCallType(callType string) error {
	switch callType {
	case models.CallTypeVoice, models.CallTypeVideo:
		return nil
	case "":
		return fmt.Errorf("%w: callType", ErrMissingField)
	}
	return fmt.Errorf("%w: callType %q", ErrInvalidField, callType)
}

func checkCallAction(action string) error {
	if action == "" {
		return fmt.Errorf("%w: action", ErrMissingField)
	}
	if !models.ValidCallAction(action) {
		return fmt.Errorf("%w: action %q", ErrInvalidField, action)
	}
	return nil
}
