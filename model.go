package main

import (
	"strconv"
	"time"
)

// Event ids understood by the router.
const (
	EventLogin        = "1000000"
	EventPrivateMsg   = "1000001"
	EventAck          = "1000002"
	EventPing         = "9000000"
	EventCreateGroup  = "5000001"
	EventJoinGroup    = "5000002"
	EventDismissGroup = "5000003"
	EventGroupMsg     = "5000004"
	EventLeaveGroup   = "5000005"
)

const (
	flagTrue  = "1"
	flagFalse = "0"

	systemUID = "SYSTEM"

	roleAdmin = "1"
)

const (
	heartbeatPrefix        = "server_heartbeat:"
	instanceSessionsPrefix = "instance_sessions:"
	instanceStreamPrefix   = "im:stream:instance:"

	clusterTopic = "im-cluster-topic"
)

// Message is the wire frame exchanged with clients and forwarded
// between instances. All fields are strings on the wire.
type Message struct {
	EventID  string `json:"eventId"`
	FromUID  string `json:"fromUid"`
	ToUID    string `json:"toUid"`
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
	Type     string `json:"type"`
	CTimest  string `json:"cTimest"`
	STimest  string `json:"sTimest"`
	DataBody string `json:"dataBody"`
	IsGroup  string `json:"isGroup"`
	GroupID  string `json:"groupId"`
	IsCache  string `json:"isCache"`
}

// SessionInfo is the durable claim that a (user, device) is connected
// and which instance owns the connection. Stored as a field of the
// session:{uid} hash, keyed by device id.
type SessionInfo struct {
	UserID     string `json:"userId"`
	ChannelID  string `json:"channelId"`
	DeviceID   string `json:"deviceId"`
	LoginTime  int64  `json:"loginTime"`
	InstanceID string `json:"instanceId"`
}

// GroupMember is one entry of a create/join/leave request body.
type GroupMember struct {
	UserID  string `json:"userId"`
	IsAdmin string `json:"isAdmin"`
}

func tokenKey(uid string) string         { return "token_list:" + uid }
func sessionKey(uid string) string       { return "session:" + uid }
func ackKey(uid string) string           { return "ack:msg:" + uid }
func offlineKey(uid string) string       { return "offline:msg:" + uid }
func groupKey(gid string) string         { return "group:info:" + gid }
func userGroupsKey(uid string) string    { return "user:groups:" + uid }
func heartbeatKey(id string) string      { return heartbeatPrefix + id }
func instanceIndexKey(id string) string  { return instanceSessionsPrefix + id }
func instanceStreamKey(id string) string { return instanceStreamPrefix + id }

func timestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
