package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/BTreeMap/ScanPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // access to underlying client for event handling

	mu        sync.RWMutex
	inbound   InboundHandler
	handlerID uint32
	stopped   bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{client: client}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// SetInboundHandler registers the receiver for incoming patient text messages.
func (s *WhatsAppService) SetInboundHandler(h InboundHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = h
}

// ValidateAndCanonicalizeRecipient normalizes a phone number to "+<digits>".
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	id := s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		s.dispatch(ctx, evt)
	})
	s.mu.Lock()
	s.handlerID = id
	s.mu.Unlock()
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop detaches the event handler and disconnects.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.waClient.GetClient().Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a WhatsApp text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	// whatsmeow JIDs carry the bare digits.
	if err := s.client.SendMessage(ctx, strings.TrimPrefix(canonicalTo, "+"), body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Debug("WhatsAppService message sent", "to", canonicalTo, "body_length", len(body))
	return nil
}

// dispatch handles one whatsmeow event before returning. whatsmeow delivers events in
// order, so a patient's messages reach the inbound handler in arrival order.
func (s *WhatsAppService) dispatch(ctx context.Context, evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(ctx, v)
	default:
		slog.Debug("WhatsAppService ignoring event", "type", fmt.Sprintf("%T", evt))
	}
}

// handleIncomingMessage converts a whatsmeow text message into an inbound event.
func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	s.mu.RLock()
	handler := s.inbound
	s.mu.RUnlock()
	if handler == nil {
		slog.Warn("WhatsAppService dropping inbound message, no handler registered", "from", evt.Info.Sender.User)
		return
	}

	handler(ctx, models.InboundEvent{
		ID:    string(evt.Info.ID),
		Event: models.InboundEventType,
		From:  "+" + evt.Info.Sender.User,
		Text:  text,
	})
}
