package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const fanoutBatchSize = 500

// GroupMessageHandler fans a group message out as individual private
// messages, one batch of members per worker. A failing member is
// logged and the rest of the batch continues.
type GroupMessageHandler struct {
	node *Node
}

func (GroupMessageHandler) EventID() string { return EventGroupMsg }

func (h GroupMessageHandler) Handle(c *Client, m *Message) error {
	ctx := context.Background()
	groupID := m.GroupID
	if groupID == "" {
		return errors.New("group message without groupId")
	}
	log := zap.S().With("method", "group", "group", groupID)

	members, err := h.node.store.HKeys(ctx, groupKey(groupID))
	if err != nil {
		return err
	}
	if len(members) == 0 {
		log.Warn("group not found or empty")
		return nil
	}
	log.Infof("fan-out to %d members", len(members))

	g := new(errgroup.Group)
	for start := 0; start < len(members); start += fanoutBatchSize {
		end := min(start+fanoutBatchSize, len(members))
		batch := members[start:end]
		g.Go(func() error {
			h.processBatch(c, m, batch, log)
			return nil
		})
	}
	return g.Wait()
}

func (h GroupMessageHandler) processBatch(c *Client, src *Message, batch []string, log *zap.SugaredLogger) {
	for _, memberID := range batch {
		copyMsg := &Message{
			EventID:  EventPrivateMsg,
			FromUID:  src.FromUID,
			ToUID:    memberID,
			Token:    src.Token,
			DataBody: src.DataBody,
			STimest:  timestamp(),
			IsGroup:  src.IsGroup,
			GroupID:  src.GroupID,
			IsCache:  src.IsCache,
		}
		if err := h.node.private.Handle(c, copyMsg); err != nil {
			log.Error("member ", memberID, ":", err)
		}
	}
}

// notifyGroup broadcasts a best-effort system notification to a group
// through the normal fan-out path. The member list is read before
// this returns, so callers may delete group keys afterwards.
func notifyGroup(node *Node, c *Client, groupID string, body map[string]interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		zap.S().Error("group notify encode:", err)
		return
	}
	n := &Message{
		EventID:  EventGroupMsg,
		FromUID:  systemUID,
		GroupID:  groupID,
		IsGroup:  flagTrue,
		DataBody: string(data),
		STimest:  timestamp(),
		IsCache:  flagFalse,
	}
	if err := node.group.Handle(c, n); err != nil {
		zap.S().Error("group notify:", err)
	}
}

// CreateGroupHandler writes the group's structural keys and notifies
// the initial members.
type CreateGroupHandler struct {
	node *Node
}

func (CreateGroupHandler) EventID() string { return EventCreateGroup }

func (h CreateGroupHandler) Handle(c *Client, m *Message) error {
	ctx := context.Background()
	fromUID := m.FromUID
	log := zap.S().With("method", "creategroup", "user", fromUID)

	var members []GroupMember
	if err := json.Unmarshal([]byte(m.DataBody), &members); err != nil || len(members) == 0 {
		log.Warn("empty or invalid member list")
		h.node.sender.SendResponse(c, EventCreateGroup, fromUID, "Fail: Empty members")
		return nil
	}

	groupID := m.GroupID
	if groupID == "" {
		groupID = uuid.NewString()
	}
	for _, member := range members {
		if err := h.node.store.HSet(ctx, groupKey(groupID), member.UserID, member.IsAdmin); err != nil {
			log.Error("group write:", err)
			h.node.sender.SendResponse(c, EventCreateGroup, fromUID, "Fail: System Error")
			return nil
		}
		if err := h.node.store.SAdd(ctx, userGroupsKey(member.UserID), groupID); err != nil {
			log.Error("user groups write:", err)
		}
	}
	log.Infof("group %s created with %d members", groupID, len(members))

	resp, _ := json.Marshal(map[string]string{"groupId": groupID})
	h.node.sender.SendResponse(c, EventCreateGroup, fromUID, string(resp))

	notifyGroup(h.node, c, groupID, map[string]interface{}{
		"type":      "GROUP_CREATED",
		"groupId":   groupID,
		"creator":   fromUID,
		"timestamp": time.Now().UnixMilli(),
	})
	return nil
}

// JoinGroupHandler adds members to an existing group.
type JoinGroupHandler struct {
	node *Node
}

func (JoinGroupHandler) EventID() string { return EventJoinGroup }

func (h JoinGroupHandler) Handle(c *Client, m *Message) error {
	ctx := context.Background()
	fromUID := m.FromUID
	groupID := m.GroupID
	log := zap.S().With("method", "joingroup", "user", fromUID, "group", groupID)

	if groupID == "" {
		h.node.sender.SendResponse(c, EventJoinGroup, fromUID, "Fail: Missing GroupId")
		return nil
	}
	exists, err := h.node.store.Exists(ctx, groupKey(groupID))
	if err != nil {
		log.Error("group check:", err)
		h.node.sender.SendResponse(c, EventJoinGroup, fromUID, "Fail: System Error")
		return nil
	}
	if !exists {
		log.Warn("group not found")
		h.node.sender.SendResponse(c, EventJoinGroup, fromUID, "Fail: Group Not Found")
		return nil
	}

	var newMembers []GroupMember
	if err := json.Unmarshal([]byte(m.DataBody), &newMembers); err != nil || len(newMembers) == 0 {
		log.Warn("empty or invalid member list")
		h.node.sender.SendResponse(c, EventJoinGroup, fromUID, "Fail: Empty members")
		return nil
	}
	for _, member := range newMembers {
		if err := h.node.store.HSet(ctx, groupKey(groupID), member.UserID, member.IsAdmin); err != nil {
			log.Error("group write:", err)
		}
		if err := h.node.store.SAdd(ctx, userGroupsKey(member.UserID), groupID); err != nil {
			log.Error("user groups write:", err)
		}
	}
	log.Infof("%d members joined", len(newMembers))

	h.node.sender.SendResponse(c, EventJoinGroup, fromUID, "Success")

	notifyGroup(h.node, c, groupID, map[string]interface{}{
		"type":       "MEMBER_JOINED",
		"groupId":    groupID,
		"inviter":    fromUID,
		"newMembers": newMembers,
		"timestamp":  time.Now().UnixMilli(),
	})
	return nil
}

// LeaveGroupHandler removes members from a group. Remaining and
// leaving members are notified before the structural removal.
type LeaveGroupHandler struct {
	node *Node
}

func (LeaveGroupHandler) EventID() string { return EventLeaveGroup }

func (h LeaveGroupHandler) Handle(c *Client, m *Message) error {
	ctx := context.Background()
	fromUID := m.FromUID
	groupID := m.GroupID
	log := zap.S().With("method", "leavegroup", "user", fromUID, "group", groupID)

	if groupID == "" {
		h.node.sender.SendResponse(c, EventLeaveGroup, fromUID, "Fail: Missing GroupId")
		return nil
	}
	exists, err := h.node.store.Exists(ctx, groupKey(groupID))
	if err != nil {
		log.Error("group check:", err)
		h.node.sender.SendResponse(c, EventLeaveGroup, fromUID, "Fail: System Error")
		return nil
	}
	if !exists {
		h.node.sender.SendResponse(c, EventLeaveGroup, fromUID, "Fail: Group Not Found")
		return nil
	}

	var leaving []GroupMember
	if err := json.Unmarshal([]byte(m.DataBody), &leaving); err != nil || len(leaving) == 0 {
		log.Warn("empty or invalid member list")
		h.node.sender.SendResponse(c, EventLeaveGroup, fromUID, "Fail: Empty members")
		return nil
	}

	notifyGroup(h.node, c, groupID, map[string]interface{}{
		"type":        "MEMBER_LEFT",
		"groupId":     groupID,
		"operator":    fromUID,
		"leftMembers": leaving,
		"timestamp":   time.Now().UnixMilli(),
	})

	for _, member := range leaving {
		if err := h.node.store.HDel(ctx, groupKey(groupID), member.UserID); err != nil {
			log.Error("group remove:", err)
		}
		if err := h.node.store.SRem(ctx, userGroupsKey(member.UserID), groupID); err != nil {
			log.Error("user groups remove:", err)
		}
	}
	log.Infof("%d members left", len(leaving))

	h.node.sender.SendResponse(c, EventLeaveGroup, fromUID, "Success")
	return nil
}

// DismissGroupHandler deletes a group entirely. Only an admin may
// dismiss; members are notified before the keys go away.
type DismissGroupHandler struct {
	node *Node
}

func (DismissGroupHandler) EventID() string { return EventDismissGroup }

func (h DismissGroupHandler) Handle(c *Client, m *Message) error {
	ctx := context.Background()
	fromUID := m.FromUID
	groupID := m.GroupID
	log := zap.S().With("method", "dismissgroup", "user", fromUID, "group", groupID)

	if groupID == "" {
		h.node.sender.SendResponse(c, EventDismissGroup, fromUID, "Fail: Missing GroupId")
		return nil
	}
	role, err := h.node.store.HGet(ctx, groupKey(groupID), fromUID)
	if err != nil {
		log.Error("role check:", err)
		h.node.sender.SendResponse(c, EventDismissGroup, fromUID, "Fail: System Error")
		return nil
	}
	if role == "" {
		h.node.sender.SendResponse(c, EventDismissGroup, fromUID, "Fail: Not a member")
		return nil
	}
	if role != roleAdmin {
		h.node.sender.SendResponse(c, EventDismissGroup, fromUID, "Fail: Permission Denied")
		return nil
	}

	// Notify first; the fan-out reads the member list before the
	// structural keys are deleted below.
	notifyGroup(h.node, c, groupID, map[string]interface{}{
		"type":      "GROUP_DISMISSED",
		"groupId":   groupID,
		"operator":  fromUID,
		"timestamp": time.Now().UnixMilli(),
	})

	members, err := h.node.store.HKeys(ctx, groupKey(groupID))
	if err != nil {
		log.Error("members:", err)
	}
	for _, memberID := range members {
		if err := h.node.store.SRem(ctx, userGroupsKey(memberID), groupID); err != nil {
			log.Error("user groups remove:", err)
		}
	}
	if err := h.node.store.Del(ctx, groupKey(groupID)); err != nil {
		log.Error("group delete:", err)
	}

	log.Info("group dismissed")
	h.node.sender.SendResponse(c, EventDismissGroup, fromUID, "Success")
	return nil
}
