package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	addr   = flag.String("addr", "localhost:8080", "http service address")
	user   = flag.String("user", "", "user id")
	token  = flag.String("token", "", "login token")
	device = flag.String("device", "default", "device id")
	to     = flag.String("to", "", "send a private message to this user")
	group  = flag.String("group", "", "send a group message to this group")
	msg    = flag.String("msg", "", "message body")
)

type message struct {
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

func uidKey(uid string) string {
	h := md5.New()
	h.Write([]byte(uid))
	return hex.EncodeToString(h.Sum(nil))
}

func encrypt(key, plain string) string {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return plain
	}
	buf := make([]byte, aes.BlockSize+len(plain))
	iv := buf[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return plain
	}
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(buf[aes.BlockSize:], []byte(plain))
	return base64.StdEncoding.EncodeToString(buf)
}

func decrypt(key, enc string) (string, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	if len(raw) < aes.BlockSize {
		return "", errors.New("ciphertext too short")
	}
	iv, body := raw[:aes.BlockSize], raw[aes.BlockSize:]
	out := make([]byte, len(body))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, body)
	return string(out), nil
}

func send(c *websocket.Conn, key string, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	text := string(data)
	if key != "" {
		text = encrypt(key, text)
	}
	return c.WriteMessage(websocket.TextMessage, []byte(text))
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	if *user == "" || *token == "" {
		log.Fatalln("no user or no token")
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	log.Printf("connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	key := uidKey(*user)
	ts := fmt.Sprint(time.Now().UnixMilli())

	// Login goes out in the clear; everything after is obfuscated.
	if err := send(c, "", message{
		EventID:  "1000000",
		FromUID:  *user,
		Token:    *token,
		DeviceID: *device,
		CTimest:  ts,
	}); err != nil {
		log.Fatal("login:", err)
	}

	go func() {
		ticker := time.NewTicker(25 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := send(c, key, message{
				EventID: "9000000",
				FromUID: *user,
				CTimest: fmt.Sprint(time.Now().UnixMilli()),
			}); err != nil {
				return
			}
		}
	}()

	if *msg != "" && (*to != "" || *group != "") {
		m := message{
			FromUID:  *user,
			Token:    *token,
			DataBody: *msg,
			CTimest:  fmt.Sprint(time.Now().UnixMilli()),
			IsCache:  "1",
		}
		if *group != "" {
			m.EventID = "5000004"
			m.GroupID = *group
			m.IsGroup = "1"
		} else {
			m.EventID = "1000001"
			m.ToUID = *to
		}
		if err := send(c, key, m); err != nil {
			log.Fatal("send:", err)
		}
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			log.Println("read:", err)
			return
		}
		text := string(data)
		if !strings.HasPrefix(strings.TrimSpace(text), "{") {
			dec, err := decrypt(key, text)
			if err != nil {
				log.Println("decrypt:", err)
				continue
			}
			text = dec
		}
		log.Printf("recv: %s", text)

		m := message{}
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			continue
		}
		// Ack reliable messages so the server stops retrying them.
		if m.EventID == "1000001" && m.IsCache == "1" && m.STimest != "" {
			body, _ := json.Marshal([]string{m.STimest})
			send(c, key, message{
				EventID:  "1000002",
				FromUID:  *user,
				DataBody: string(body),
				CTimest:  fmt.Sprint(time.Now().UnixMilli()),
			})
		}
	}
}
