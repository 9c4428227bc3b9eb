package transmitter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"device-command-service/internal/model"
)

// TransmitBatch delivers cmds grouped by device. Groups run concurrently;
// within a group, commands are combined into one batch command when the
// transport supports it, otherwise sent in input order. Results line up
// with cmds.
func (t *Transmitter) TransmitBatch(ctx context.Context, cmds []*model.DeviceCommand) []*model.CommandResult {
	results := make([]*model.CommandResult, len(cmds))

	var order []string
	groups := make(map[string][]int)
	for i, cmd := range cmds {
		if _, ok := groups[cmd.DeviceID]; !ok {
			order = append(order, cmd.DeviceID)
		}
		groups[cmd.DeviceID] = append(groups[cmd.DeviceID], i)
	}

	var wg sync.WaitGroup
	for _, deviceID := range order {
		indexes := groups[deviceID]
		wg.Add(1)
		go func(deviceID string, indexes []int) {
			defer wg.Done()

			tr, ok := t.Transport(deviceID)
			if ok && tr.SupportsBatchCommands() && len(indexes) > 1 {
				t.transmitCombined(ctx, deviceID, cmds, indexes, results)
				return
			}
			for _, i := range indexes {
				results[i] = t.Transmit(ctx, cmds[i])
			}
		}(deviceID, indexes)
	}
	wg.Wait()

	return results
}

// transmitCombined sends one synthetic batch command and copies its outcome
// onto every original
func (t *Transmitter) transmitCombined(ctx context.Context, deviceID string, cmds []*model.DeviceCommand, indexes []int, results []*model.CommandResult) {
	entries := make([]interface{}, 0, len(indexes))
	batch := model.NewCommand(deviceID, model.CommandBatch, nil)
	batch.Priority = model.PriorityLow
	batch.MaxRetries = cmds[indexes[0]].MaxRetries
	batch.Timeout = 0

	for _, i := range indexes {
		cmd := cmds[i]
		entries = append(entries, map[string]interface{}{
			"id":         cmd.ID,
			"type":       string(cmd.Type),
			"parameters": cmd.Parameters.Map(),
		})
		if cmd.Priority > batch.Priority {
			batch.Priority = cmd.Priority
		}
		if cmd.Timeout > batch.Timeout {
			batch.Timeout = cmd.Timeout
		}
		if cmd.ExpectedResponse != model.ResponseNone {
			batch.ExpectedResponse = model.ResponseObject
		}
	}
	batch.Parameters = batch.Parameters.Set("commands", entries)
	batch.Metadata["batch_size"] = len(indexes)

	t.logger.Debug("Transmitting combined batch",
		zap.String("device_id", deviceID),
		zap.String("batch_id", batch.ID),
		zap.Int("commands", len(indexes)),
	)

	combined := t.Transmit(ctx, batch)
	for _, i := range indexes {
		cmd := cmds[i]
		cmd.RetryCount = batch.RetryCount
		if batch.TransmittedAt != nil {
			cmd.MarkTransmitting(*batch.TransmittedAt)
		}
		if combined.Success {
			cmd.MarkAcknowledged(*batch.AcknowledgedAt, combined.Response)
		} else {
			cmd.MarkFailed(batch.Status, batch.ErrorMessage)
		}
		if cmd.Metadata == nil {
			cmd.Metadata = make(map[string]interface{})
		}
		cmd.Metadata["batch_id"] = batch.ID

		results[i] = &model.CommandResult{
			Command:       cmd,
			Success:       combined.Success,
			Response:      combined.Response,
			RawResponse:   combined.RawResponse,
			ErrorMessage:  combined.ErrorMessage,
			ExecutionTime: combined.ExecutionTime,
			CompletedAt:   combined.CompletedAt,
		}
	}
}
