package model

import (
	"time"

	"gorm.io/datatypes"
)

// BoardRecord 보드 레코드 (room 단위로 파티션, (room_id, record_id) 유일)
type BoardRecord struct {
	RoomID    string         `gorm:"primaryKey;type:varchar(255);index:idx_board_records_room" json:"roomId"`
	RecordID  string         `gorm:"primaryKey;type:varchar(255)" json:"recordId"`
	Content   datatypes.JSON `gorm:"type:jsonb;not null" json:"content"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (BoardRecord) TableName() string {
	return "board_records"
}
