package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	ferncontext "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/intake"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// intakeEvent is the payload of one message on the intake topic.
type intakeEvent struct {
	Patient             models.PatientInput `json:"patient" validate:"required"`
	RunID               *int64              `json:"run_id,omitempty"`
	ForceCreateOnReview bool                `json:"force_create_on_review"`
	AttachTo            string              `json:"attach_to,omitempty"`
}

var workerCmd = &cobra.Command{
	Use:   "intake-worker",
	Short: "Check records arriving on the intake topic",
	Long: `The intake worker consumes new patient records from Kafka and runs the
same add-or-check flow as POST /intake/add_or_check. Outcomes are published
to the output topic when Kafka publishing is enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWorker(ctx)
	},
}

func runWorker(ctx context.Context) error {
	a, err := newApp(cfg, appOptions{publish: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			a.logger.WithError(err).Error("Failed to stop dependencies")
		}
	}()

	if err := a.start(ctx); err != nil {
		return err
	}
	svc, err := a.services()
	if err != nil {
		return err
	}

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       a.cfg.KafkaBrokers,
		Topic:         a.cfg.KafkaIntakeTopic,
		ConsumerGroup: a.cfg.KafkaConsumerGroup,
	}, a.logger, intakeHandler(svc.matcher))

	a.startup.AddDependency(startup.Dependency{
		Name:     "kafka-consumer",
		Requires: []string{"postgres"},
		StartFn:  consumer.Start,
		StopFn:   func(context.Context) error { return consumer.Stop() },
	})
	if err := a.start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("Intake worker stopping")
	return nil
}

// intakeHandler runs add-or-check for each message. Malformed or rejected
// records are permanent failures and get committed; anything else is retried.
func intakeHandler(matcher *intake.Matcher) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.IncomingMessage) error {
		requestID := msg.Headers["request_id"]
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = ferncontext.SetRequestID(ctx, requestID)
		ctx = ferncontext.SetOperator(ctx, msg.Headers["operator"])

		var event intakeEvent
		if err := msg.Decode(&event); err != nil {
			return fmt.Errorf("%w: invalid intake payload: %v", kafka.ErrPermanent, err)
		}
		if _, err := utils.Validate(event); err != nil {
			return fmt.Errorf("%w: %v", kafka.ErrPermanent, err)
		}

		_, err := matcher.AddOrCheck(ctx, intake.Request{
			Patient:             event.Patient,
			RunID:               event.RunID,
			ForceCreateOnReview: event.ForceCreateOnReview,
			AttachTo:            event.AttachTo,
		})
		if errors.IsKind(err, errors.KindInvalidInput) || errors.IsKind(err, errors.KindConflict) || errors.IsKind(err, errors.KindNotFound) {
			return fmt.Errorf("%w: %v", kafka.ErrPermanent, err)
		}
		return err
	}
}
