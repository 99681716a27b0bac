package main

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageRecord is the archived copy of one reliable private message.
type MessageRecord struct {
	gorm.Model

	STimest string `json:"stimest" gorm:"column:stimest;index"`
	FromUID string `json:"fromuid" gorm:"column:fromuid;index"`
	ToUID   string `json:"touid" gorm:"column:touid;index"`
	GroupID string `json:"groupid" gorm:"column:groupid;index"`
	Body    string `json:"body" gorm:"column:body"`
	Acked   bool   `json:"acked" gorm:"column:acked;index"`
}

// Archive persists reliable messages and their ack state. Best
// effort: failures are logged and never block delivery.
type Archive struct {
	db *gorm.DB
}

func newArchive(db *gorm.DB) (*Archive, error) {
	if err := db.AutoMigrate(new(MessageRecord)); err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Save(m *Message) {
	rec := MessageRecord{
		STimest: m.STimest,
		FromUID: m.FromUID,
		ToUID:   m.ToUID,
		GroupID: m.GroupID,
		Body:    m.DataBody,
	}
	if err := a.db.Create(&rec).Error; err != nil {
		zap.S().Error("archive:save message:", err)
	}
}

func (a *Archive) MarkAcked(uid string, timestamps []string) {
	if len(timestamps) == 0 {
		return
	}
	if err := a.db.Model(new(MessageRecord)).
		Where("touid = ? and stimest in (?)", uid, timestamps).
		Update("acked", true).Error; err != nil {
		zap.S().Error("archive:mark acked:", err)
	}
}
