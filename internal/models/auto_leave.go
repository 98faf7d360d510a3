package models

// AutoLeaveSettings stores the pool-wide auto-leave toggle. Single row.
type AutoLeaveSettings struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	Enabled        bool `gorm:"default:false"`
	TimeoutMinutes int  `gorm:"default:5"`
}
