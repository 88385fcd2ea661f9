package server

import (
	"hash/fnv"
	"sync"
)

const publishLockStripes = 64

// roomSubscribers is the set of local sessions subscribed to one room.
// Delivery works on a snapshot so sessions can join or leave while a
// broadcast is in flight.
type roomSubscribers struct {
	lock    sync.RWMutex
	clients map[*Client]struct{}
}

func newRoomSubscribers() *roomSubscribers {
	return &roomSubscribers{clients: make(map[*Client]struct{})}
}

func (rs *roomSubscribers) add(c *Client) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.clients[c] = struct{}{}
}

// remove reports whether the set is empty afterwards.
func (rs *roomSubscribers) remove(c *Client) bool {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	delete(rs.clients, c)
	return len(rs.clients) == 0
}

func (rs *roomSubscribers) snapshot() []*Client {
	rs.lock.RLock()
	defer rs.lock.RUnlock()

	out := make([]*Client, 0, len(rs.clients))
	for c := range rs.clients {
		out = append(out, c)
	}
	return out
}

// subscribe adds c to roomId unless c has stopped. The stop check and the
// insert happen under roomsLock, which unsubscribeAll also holds, so a
// stopped session is never left behind in a room.
func (cs *ChatServer) subscribe(c *Client, roomId string) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	select {
	case <-c.stop:
		return
	default:
	}

	rs, ok := cs.rooms[roomId]
	if !ok {
		rs = newRoomSubscribers()
		cs.rooms[roomId] = rs
	}
	rs.add(c)
	c.addRoom(roomId)
}

func (cs *ChatServer) unsubscribe(c *Client, roomId string) {
	c.delRoom(roomId)

	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	cs.removeFromRoom(c, roomId)
}

// unsubscribeAll removes a stopped session from every room it joined.
func (cs *ChatServer) unsubscribeAll(c *Client) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	for _, roomId := range c.roomIds() {
		c.delRoom(roomId)
		cs.removeFromRoom(c, roomId)
	}
}

func (cs *ChatServer) removeFromRoom(c *Client, roomId string) {
	if rs, ok := cs.rooms[roomId]; ok && rs.remove(c) {
		delete(cs.rooms, roomId)
	}
}

func (cs *ChatServer) subscribers(roomId string) []*Client {
	cs.roomsLock.RLock()
	rs, ok := cs.rooms[roomId]
	cs.roomsLock.RUnlock()

	if !ok {
		return nil
	}
	return rs.snapshot()
}

// publishLock serializes persist-then-publish per room so subscribers see
// messages in sequence order.
func (cs *ChatServer) publishLock(roomId string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(roomId))
	return &cs.publishLocks[h.Sum32()%publishLockStripes]
}
