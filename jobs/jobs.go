// Package jobs reacts to cloud-issued forward jobs: requests to upload the
// stored stream data of a campaign, optionally bounded by an end time. Jobs
// drive the stream forwarder's job source and report completion back.
package jobs

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/streams"
	"github.com/fleetlab/vantage/transport"
)

// Request is the wire form of one job document.
type Request struct {
	JobID        string `json:"job_id"`
	CampaignName string `json:"campaign_name"`
	// Action is "start" or "cancel".
	Action string `json:"action"`
	// EndTimeMs bounds forwarded records; zero means unbounded.
	EndTimeMs int64 `json:"end_time_ms,omitempty"`
}

// Response is the wire form of a job status report.
type Response struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	TimestampMsEpoch int64  `json:"timestamp_ms_epoch"`
}

// Handler subscribes to the job request topic and drives the forwarder.
type Handler struct {
	clk       clock.Clock
	logger    ops.Logger
	sender    transport.Sender
	forwarder *streams.Forwarder
	manager   *streams.Manager
}

// NewHandler wires a Handler and registers its completion callback on the
// forwarder.
func NewHandler(
	clk clock.Clock,
	logger ops.Logger,
	sender transport.Sender,
	forwarder *streams.Forwarder,
	manager *streams.Manager,
) *Handler {
	var h = &Handler{
		clk:       clk,
		logger:    logger,
		sender:    sender,
		forwarder: forwarder,
		manager:   manager,
	}
	forwarder.OnJobComplete(h.reportComplete)
	return h
}

// Subscribe registers the handler on the receiver's job request topic.
func (h *Handler) Subscribe(receiver transport.Receiver) error {
	var topic = h.sender.Topics().JobRequests
	if err := receiver.Subscribe(topic, h.Handle); err != nil {
		return fmt.Errorf("subscribing to %q: %w", topic, err)
	}
	return nil
}

// Handle processes one raw job document.
func (h *Handler) Handle(payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		h.logger.Log(log.ErrorLevel, log.Fields{"error": err.Error()},
			"job request rejected")
		return
	}
	if req.JobID == "" {
		h.logger.Log(log.ErrorLevel, nil, "job request without job_id")
		return
	}

	switch req.Action {
	case "start":
		if !h.manager.HasCampaign(req.CampaignName) {
			h.logger.Log(log.WarnLevel, log.Fields{
				"job": req.JobID, "campaign": req.CampaignName,
			}, "job names an unknown campaign")
			h.reportStatus(req.JobID, "rejected")
			return
		}
		h.logger.Log(log.InfoLevel, log.Fields{
			"job": req.JobID, "campaign": req.CampaignName, "endTime": req.EndTimeMs,
		}, "starting job-driven forward")
		h.forwarder.StartJob(req.JobID, req.CampaignName, req.EndTimeMs)
		h.reportStatus(req.JobID, "in_progress")

	case "cancel":
		h.forwarder.CancelJob(req.JobID)
		h.reportStatus(req.JobID, "cancelled")

	default:
		h.logger.Log(log.ErrorLevel, log.Fields{
			"job": req.JobID, "action": req.Action,
		}, "job request with unknown action")
	}
}

func (h *Handler) reportComplete(jobID string) {
	h.logger.Log(log.InfoLevel, log.Fields{"job": jobID}, "forward job complete")
	h.reportStatus(jobID, "completed")
}

func (h *Handler) reportStatus(jobID, status string) {
	var payload, err = json.Marshal(&Response{
		JobID:            jobID,
		Status:           status,
		TimestampMsEpoch: clock.EpochMs(h.clk.Now()),
	})
	if err != nil {
		return
	}
	h.sender.Send(h.sender.Topics().JobResponses, payload, func(transport.Result) {})
}
