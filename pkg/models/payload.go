package models

// Well-known event payload keys. The reconstructor, broker and worker
// all read and write payloads through these names.
const (
	PayloadResult           = "result"
	PayloadWorkload         = "workload"
	PayloadVars             = "vars"
	PayloadCount            = "count"
	PayloadMode             = "mode"
	PayloadItems            = "items"
	PayloadFinal            = "final"
	PayloadProgress         = "progress"
	PayloadData             = "data"
	PayloadChildExecutionID = "child_execution_id"
	PayloadPath             = "path"
	PayloadVersion          = "version"
	PayloadStorage          = "storage"
	PayloadStep             = "step"
	PayloadTargets          = "targets"
	PayloadReason           = "reason"
)
