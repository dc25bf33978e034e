package models

import (
	"encoding/json"
	"fmt"
)

// DecodeValue decodes a queue message payload into a *Plan or *Job based on
// its kind discriminator.
func DecodeValue(payload []byte) (any, error) {
	var probe struct {
		Kind string `json:"kind"`
	}

	err := json.Unmarshal(payload, &probe)
	if err != nil {
		return nil, fmt.Errorf("failed to probe message kind: %w", err)
	}

	switch probe.Kind {
	case KindPlan:
		plan := &Plan{}
		if err := json.Unmarshal(payload, plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}

		return plan, nil
	case KindJob:
		job := &Job{}
		if err := json.Unmarshal(payload, job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}

		return job, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", probe.Kind)
	}
}

// EncodePlan marshals a plan for queue persistence. Set encodings are
// deterministic, so encode-decode-encode is byte stable.
func EncodePlan(plan *Plan) ([]byte, error) {
	plan.Kind = KindPlan

	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan %d: %w", plan.ID, err)
	}

	return data, nil
}

// EncodeJob marshals a job for queue persistence.
func EncodeJob(job *Job) ([]byte, error) {
	job.Kind = KindJob

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	return data, nil
}
