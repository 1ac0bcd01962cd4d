package models

import "time"

// Player mirrors the columns of the player directory table we read.
// The table is owned by the player service; this service never writes it.
type Player struct {
	PlayerID   int        `gorm:"column:player_id;primaryKey" json:"player_id"`
	PlayerName string     `gorm:"column:player_name" json:"player_name"`
	UserID     *int       `gorm:"column:user_id" json:"user_id,omitempty"`
	CreateDate time.Time  `gorm:"column:create_date" json:"create_date"`
	LogonDate  *time.Time `gorm:"column:logon_date" json:"logon_date,omitempty"` // last login, informational
}

func (Player) TableName() string {
	return "ck_players"
}
