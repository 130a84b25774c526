package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type subscriptionRequest struct {
	DeviceID string `validate:"required,max=128"`
}

// TelemetryReading is the typed view of a telemetry event used to validate
// events arriving over REST. Unknown fields are still passed through.
type TelemetryReading struct {
	DeviceID    string   `json:"deviceId" validate:"required,max=128"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity" validate:"omitempty,gte=0,lte=100"`
	OilLevel    *float64 `json:"oilLevel" validate:"omitempty,gte=0,lte=100"`
}

// AlarmReport is the typed view of an alarm event
type AlarmReport struct {
	Device string            `json:"device" validate:"omitempty,max=128"`
	Alerts []json.RawMessage `json:"alerts" validate:"required,min=1"`
}

func validateSubscription(req subscriptionRequest) error {
	if err := validate.Struct(req); err != nil {
		return malformed("deviceId: %s", describe(err))
	}
	return nil
}

// ValidateEvent checks an externally submitted event against its typed view
func ValidateEvent(e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return malformed("encode: %v", err)
	}

	var target any
	switch e.Type {
	case TypeTelemetry:
		target = &TelemetryReading{}
	case TypeAlarm:
		target = &AlarmReport{}
	default:
		return malformed("unsupported event type %q", e.Type)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return malformed("%v", err)
	}
	if err := validate.Struct(target); err != nil {
		return malformed("%s", describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
