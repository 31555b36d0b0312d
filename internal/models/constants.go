package models

import "time"

const (
	// DefaultSyncInterval период фоновой синхронизации при наличии сети
	DefaultSyncInterval = 5 * time.Minute

	// DefaultProbeInterval период проверки доступности удалённого API
	DefaultProbeInterval = 30 * time.Second

	// DefaultRequestTimeout предельное время одного запроса к удалённому API
	DefaultRequestTimeout = 90 * time.Second

	// DefaultLockTTL время жизни блокировки синхронизации одного вида записей
	DefaultLockTTL = 2 * DefaultRequestTimeout

	// DefaultRetentionDays сколько дней хранить синхронизированные записи
	DefaultRetentionDays = 30

	// NotificationHistorySize длина истории уведомлений в Redis
	NotificationHistorySize = 200
)

const (
	MethodFace        = "face"
	MethodFingerprint = "fingerprint"
	MethodNFC         = "nfc"
	MethodManual      = "manual"
)

const (
	TriggerManual = "manual"
	TriggerOnline = "online"
	TriggerTimer  = "timer"
	TriggerRetry  = "retry"
)
