package marketmsg

// =============================================================================
// DELIVERY MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs every delivery the router moves. Successful
// deliveries log at debug level, failures at error level.
type LoggingMiddleware struct {
	logger Logger
}

var _ DeliveryMiddleware = (*LoggingMiddleware)(nil)

// NewLoggingMiddleware creates logging middleware over the given logger.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

// Before implements DeliveryMiddleware.
func (m *LoggingMiddleware) Before(delivery Delivery) (Delivery, error) {
	m.logger.Debug("delivery_routing",
		"receiver", delivery.Receiver.String(),
		"kind", string(delivery.Kind),
	)
	return delivery, nil
}

// After implements DeliveryMiddleware.
func (m *LoggingMiddleware) After(delivery Delivery, err error) {
	if err != nil {
		m.logger.Error("delivery_failed",
			"receiver", delivery.Receiver.String(),
			"kind", string(delivery.Kind),
			"error", err.Error(),
		)
	}
}

// ValidationMiddleware rejects reserved-kind deliveries whose payload type
// does not match the kind, so a malformed protocol message fails at the
// delivery phase instead of corrupting the receiver's clearing pass.
type ValidationMiddleware struct{}

var _ DeliveryMiddleware = (*ValidationMiddleware)(nil)

// NewValidationMiddleware creates payload-validation middleware.
func NewValidationMiddleware() *ValidationMiddleware {
	return &ValidationMiddleware{}
}

// Before implements DeliveryMiddleware.
func (m *ValidationMiddleware) Before(delivery Delivery) (Delivery, error) {
	if !delivery.Kind.IsReserved() {
		if _, ok := delivery.Payload.(Envelope); !ok {
			return delivery, NewMalformedPayloadError(delivery.Receiver, delivery.Kind, delivery.Payload)
		}
		return delivery, nil
	}

	ok := false
	switch delivery.Kind {
	case KindBuyOffer, KindSellOffer, KindOfferAccept, KindOfferReject:
		_, ok = delivery.Payload.(Offer)
	case KindTransfer:
		_, ok = delivery.Payload.(Transfer)
	case KindQuote:
		_, ok = delivery.Payload.(Quote)
	case KindContractOffer, KindContractAccept:
		_, ok = delivery.Payload.(Contract)
	case KindContractFulfill:
		_, ok = delivery.Payload.(ContractFulfillment)
	case KindContractCancel:
		_, ok = delivery.Payload.(ContractCancel)
	}
	if !ok {
		return delivery, NewMalformedPayloadError(delivery.Receiver, delivery.Kind, delivery.Payload)
	}
	return delivery, nil
}

// After implements DeliveryMiddleware.
func (m *ValidationMiddleware) After(delivery Delivery, err error) {}
