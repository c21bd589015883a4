package queue

import (
	"encoding/json"

	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/pkg/evaluation"
	"github.com/gradekit/worker/pkg/messages"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Responder publishes evaluation results and errors to the response queue.
type Responder interface {
	PublishErrorToResponseQueue(messageType, messageID string, err error)
	PublishEvaluationResult(messageType, messageID string, record *evaluation.Record) error
	PublishStatusRespond(messageType, messageID string, statusMap map[string]interface{}) error
}

type responder struct {
	logger            *zap.SugaredLogger
	channel           *amqp.Channel
	responseQueueName string
}

func NewResponder(channel *amqp.Channel, responseQueueName string) Responder {
	return &responder{
		logger:            logger.NewNamedLogger("responder"),
		channel:           channel,
		responseQueueName: responseQueueName,
	}
}

func (r *responder) PublishErrorToResponseQueue(messageType, messageID string, err error) {
	errorPayload := map[string]string{"error": err.Error()}
	payload, jsonErr := json.Marshal(errorPayload)
	if jsonErr != nil {
		r.logger.Errorf("Failed to marshal error payload: %s", jsonErr)
		return
	}

	if err := r.publish(messageType, messageID, false, payload); err != nil {
		r.logger.Errorf("Failed to publish error message: %s", err)
		return
	}

	r.logger.Infof("Published error message to response queue: %s", messageID)
}

func (r *responder) PublishEvaluationResult(messageType, messageID string, record *evaluation.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return r.publish(messageType, messageID, true, payload)
}

func (r *responder) PublishStatusRespond(messageType, messageID string, statusMap map[string]interface{}) error {
	payload, err := json.Marshal(statusMap)
	if err != nil {
		return err
	}

	return r.publish(messageType, messageID, true, payload)
}

func (r *responder) publish(messageType, messageID string, ok bool, payload json.RawMessage) error {
	queueMessage := messages.ResponseQueueMessage{
		Type:      messageType,
		MessageID: messageID,
		Ok:        ok,
		Payload:   payload,
	}

	responseJSON, err := json.Marshal(queueMessage)
	if err != nil {
		return err
	}

	return r.channel.Publish("", r.responseQueueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: messageID,
		Body:          responseJSON,
	})
}
