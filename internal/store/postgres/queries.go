package postgres

const notificationColumns = `
    id, user_id, channel, recipient, subject, body, attachment,
    scheduled_for, original_local_time, timezone,
    status, attempts, sent_at, last_error, created_at, updated_at`

const queryInsertNotification = `
INSERT INTO notifications (
    id, user_id, channel, recipient, subject, body, attachment,
    scheduled_for, original_local_time, timezone,
    status, attempts, sent_at, last_error, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

const queryGetNotification = `
SELECT` + notificationColumns + `
FROM notifications
WHERE id = $1
`

const queryListNotifications = `
SELECT` + notificationColumns + `
FROM notifications
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryCountByStatus = `
SELECT status, COUNT(*)
FROM notifications
WHERE user_id = $1
GROUP BY status
`

const queryGetStatus = `
SELECT status FROM notifications WHERE id = $1
`

// Every transition below is guarded on status = 'scheduled' so a terminal
// record is never overwritten.

const queryMarkSent = `
UPDATE notifications
SET status = 'sent', sent_at = $2, attempts = GREATEST(attempts, $3), last_error = '', updated_at = $2
WHERE id = $1
  AND status = 'scheduled'
`

const queryMarkFailed = `
UPDATE notifications
SET status = 'failed', last_error = $2, updated_at = $3
WHERE id = $1
  AND status = 'scheduled'
`

const queryMarkCancelled = `
UPDATE notifications
SET status = 'cancelled', updated_at = $2
WHERE id = $1
  AND status = 'scheduled'
`

const queryRecordAttemptFailure = `
UPDATE notifications
SET attempts = GREATEST(attempts, $2), last_error = $3, updated_at = $4
WHERE id = $1
  AND status = 'scheduled'
`

const queryUpdateScheduled = `
UPDATE notifications
SET channel = $2, recipient = $3, subject = $4, body = $5, attachment = $6,
    scheduled_for = $7, original_local_time = $8, timezone = $9, updated_at = $10
WHERE id = $1
  AND status = 'scheduled'
`

const queryListOverdue = `
SELECT` + notificationColumns + `
FROM notifications
WHERE status = 'scheduled'
  AND scheduled_for < $1
ORDER BY scheduled_for ASC
LIMIT $2
`

const queryInsertDeliveryAttempt = `
INSERT INTO notification_attempts (id, notification_id, attempt, channel, recipient, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryListDeliveryAttempts = `
SELECT id, notification_id, attempt, channel, recipient, error, started_at, finished_at
FROM notification_attempts
WHERE notification_id = $1
ORDER BY started_at ASC, attempt ASC
`
