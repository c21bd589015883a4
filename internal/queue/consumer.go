package queue

import (
	"context"
	"encoding/json"

	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/internal/pipeline"
	"github.com/gradekit/worker/pkg/constants"
	customErr "github.com/gradekit/worker/pkg/errors"
	"github.com/gradekit/worker/pkg/messages"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer listens on the evaluation queue and feeds the orchestrator.
type Consumer interface {
	Listen()
}

type consumer struct {
	channel      *amqp.Channel
	queueName    string
	orchestrator pipeline.Orchestrator
	pool         *pipeline.Pool
	responder    Responder
	logger       *zap.SugaredLogger
}

func NewConsumer(
	channel *amqp.Channel,
	queueName string,
	orchestrator pipeline.Orchestrator,
	pool *pipeline.Pool,
	responder Responder,
) Consumer {
	return &consumer{
		channel:      channel,
		queueName:    queueName,
		orchestrator: orchestrator,
		pool:         pool,
		responder:    responder,
		logger:       logger.NewNamedLogger("consumer"),
	}
}

func (c *consumer) Listen() {
	c.logger.Infof("Declaring queue %s", c.queueName)

	_, err := c.channel.QueueDeclare(c.queueName, true, false, false, false, nil)
	if err != nil {
		c.logger.Panicf("Failed to declare queue %s: %s", c.queueName, err)
	}

	c.logger.Infof("Listening for messages on queue %s", c.queueName)

	msgs, err := c.channel.Consume(c.queueName, "", true, false, false, false, nil)
	if err != nil {
		c.logger.Panicf("Failed to consume messages from queue %s: %s", c.queueName, err)
	}

	for msg := range msgs {
		var queueMessage messages.QueueMessage
		if err := json.Unmarshal(msg.Body, &queueMessage); err != nil {
			c.logger.Errorf("Failed to unmarshal message: %s", err)
			c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, err)
			continue
		}

		switch queueMessage.Type {
		case constants.QueueMessageTypeEvaluation:
			c.logger.Infof("Received evaluation message: %s", queueMessage.MessageID)
			c.handleEvaluationMessage(queueMessage)
		case constants.QueueMessageTypeStatus:
			c.logger.Infof("Received status message: %s", queueMessage.MessageID)
			c.handleStatusMessage(queueMessage)
		default:
			c.logger.Errorf("Unknown message type: %s", queueMessage.Type)
			c.responder.PublishErrorToResponseQueue(
				queueMessage.Type,
				queueMessage.MessageID,
				customErr.ErrUnknownMessageType)
		}
	}
}

func (c *consumer) handleEvaluationMessage(queueMessage messages.QueueMessage) {
	var evalMessage messages.EvaluationQueueMessage
	if err := json.Unmarshal(queueMessage.Payload, &evalMessage); err != nil {
		c.logger.Errorf("Failed to unmarshal evaluation payload: %s", err)
		c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, err)
		return
	}

	handle, err := c.orchestrator.EvaluateAsync(context.Background(), pipeline.Request{
		StudentID:      evalMessage.StudentID,
		AssignmentID:   evalMessage.AssignmentID,
		SubmissionPath: evalMessage.SubmissionPath,
		WorkDir:        evalMessage.WorkDir,
	})
	if err != nil {
		c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, err)
		return
	}

	go func() {
		// Every evaluation resolves to a terminal record, so this never
		// blocks forever.
		record, err := handle.Await(context.Background())
		if err != nil {
			c.responder.PublishErrorToResponseQueue(queueMessage.Type, queueMessage.MessageID, err)
			return
		}

		if err := c.responder.PublishEvaluationResult(queueMessage.Type, queueMessage.MessageID, record); err != nil {
			c.logger.Errorf("Failed to publish evaluation result: %s [MsgID: %s]", err, queueMessage.MessageID)
		}
	}()
}

func (c *consumer) handleStatusMessage(queueMessage messages.QueueMessage) {
	if err := c.responder.PublishStatusRespond(queueMessage.Type, queueMessage.MessageID, c.pool.Status()); err != nil {
		c.logger.Errorf("Failed to publish status: %s [MsgID: %s]", err, queueMessage.MessageID)
	}
}
