package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"

	"github.com/stefandanzl/spotify-saver/job"
)

// Each Job has a corresponding Redis Hash named in the form
// "<JobKeyPrefix><job-id>"
const JobKeyPrefix = "job:"

// Redis is a Store backed by a Redis instance. Every transition is a
// single HMSET, which Redis applies atomically with respect to the
// HGETALL of concurrent readers.
//
// UpdateJob is read-modify-write: it relies on the single-writer-per-job
// rule (one worker owns a job for its whole lifetime) instead of a
// server-side lock.
type Redis struct {
	Client *redis.Client
}

// NewRedis returns a Store that can communicate with Redis. If Redis is
// not up an error will be returned.
func NewRedis(r *redis.Client) (*Redis, error) {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return nil, fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
		}
		return nil, fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}

	return &Redis{Client: r}, nil
}

func (s *Redis) CreateJob(j job.Job) error {
	exists, err := s.exists(JobKeyPrefix + j.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	return s.save(&j)
}

func (s *Redis) GetJob(id string) (job.Job, error) {
	val, err := s.Client.HGetAll(JobKeyPrefix + id).Result()
	if err != nil {
		return job.Job{}, err
	}

	if v, ok := val["ID"]; !ok || v == "" {
		return job.Job{}, ErrNotFound
	}

	return jobFromMap(val)
}

func (s *Redis) UpdateJob(id string, fn func(*job.Job)) error {
	j, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return ErrTerminal
	}

	prevProgress := j.Progress
	fn(&j)
	finalize(&j, prevProgress)
	return s.save(&j)
}

func (s *Redis) RecordCallback(id string, cb job.Callback) error {
	exists, err := s.exists(JobKeyPrefix + id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	return s.Client.HMSet(JobKeyPrefix+id, map[string]interface{}{
		"CallbackDelivered": strconv.FormatBool(cb.Delivered),
		"CallbackError":     cb.DeliveryError,
	}).Err()
}

func (s *Redis) PendingJobs() ([]job.Job, error) {
	var pending []job.Job

	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = s.Client.Scan(cursor, JobKeyPrefix+"*", 50).Result()
		if err != nil {
			return pending, err
		}

		for _, key := range keys {
			state, err := s.Client.HGet(key, "State").Result()
			if err != nil {
				return pending, err
			}
			if job.State(state).Terminal() {
				continue
			}
			j, err := s.GetJob(strings.TrimPrefix(key, JobKeyPrefix))
			if err != nil {
				return pending, err
			}
			pending = append(pending, j)
		}

		if cursor == 0 {
			break
		}
	}
	return pending, nil
}

func (s *Redis) RemoveJob(id string) error {
	return s.Client.Del(JobKeyPrefix + id).Err()
}

func (s *Redis) Sweep(ttl time.Duration) (int, error) {
	deadline := time.Now().Add(-ttl).Unix()
	removed := 0

	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = s.Client.Scan(cursor, JobKeyPrefix+"*", 50).Result()
		if err != nil {
			return removed, err
		}

		for _, key := range keys {
			vals, err := s.Client.HMGet(key, "State", "FinishedAt").Result()
			if err != nil {
				return removed, err
			}
			state, _ := vals[0].(string)
			finished, _ := vals[1].(string)
			if !job.State(state).Terminal() {
				continue
			}
			ts, err := strconv.ParseInt(finished, 10, 64)
			if err != nil || ts > deadline {
				continue
			}
			if err := s.Client.Del(key).Err(); err != nil {
				return removed, err
			}
			removed++
		}

		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

func (s *Redis) save(j *job.Job) error {
	m, err := jobToMap(j)
	if err != nil {
		return err
	}
	return s.Client.HMSet(JobKeyPrefix+j.ID, m).Err()
}

func jobToMap(j *job.Job) (map[string]interface{}, error) {
	req, err := json.Marshal(j.Request)
	if err != nil {
		return nil, err
	}

	var finished int64
	if !j.FinishedAt.IsZero() {
		finished = j.FinishedAt.Unix()
	}

	return map[string]interface{}{
		"ID":          j.ID,
		"Request":     string(req),
		"State":       j.State,
		"Progress":    j.Progress,
		"CurrentItem": j.CurrentItem,
		"Message":     j.Message,
		"ItemsDone":   j.ItemsDone,
		"ItemsFailed": j.ItemsFailed,

		"CallbackDelivered": strconv.FormatBool(j.CallbackDelivered),
		"CallbackError":     j.CallbackError,

		"CreatedAt":  j.CreatedAt.Unix(),
		"FinishedAt": finished,
	}, nil
}

func jobFromMap(m map[string]string) (job.Job, error) {
	var err error
	j := job.Job{}
	for k, v := range m {
		switch k {
		case "ID":
			j.ID = v
		case "Request":
			// The request was validated at submission, decode it raw.
			var req struct {
				SourceURL    string `json:"source_url"`
				OutputDir    string `json:"output_dir"`
				Format       string `json:"format"`
				Bitrate      int    `json:"bitrate"`
				Lyrics       bool   `json:"lyrics"`
				Cover        bool   `json:"cover"`
				NFO          bool   `json:"nfo"`
				CallbackType string `json:"callback_type"`
				CallbackDst  string `json:"callback_dst"`
			}
			if err = json.Unmarshal([]byte(v), &req); err != nil {
				return j, fmt.Errorf("Could not decode request from map: %v", err)
			}
			j.Request = job.Request(req)
		case "State":
			j.State = job.State(v)
		case "Progress":
			j.Progress, err = strconv.Atoi(v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "CurrentItem":
			j.CurrentItem = v
		case "Message":
			j.Message = v
		case "ItemsDone":
			j.ItemsDone, err = strconv.Atoi(v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "ItemsFailed":
			j.ItemsFailed, err = strconv.Atoi(v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "CallbackDelivered":
			j.CallbackDelivered, err = strconv.ParseBool(v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "CallbackError":
			j.CallbackError = v
		case "CreatedAt":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
			j.CreatedAt = time.Unix(ts, 0)
		case "FinishedAt":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
			if ts > 0 {
				j.FinishedAt = time.Unix(ts, 0)
			}
		default:
			// Unknown fields are skipped: a stray write or a field from
			// a newer schema must not make the whole job unreadable.
		}
	}
	return j, nil
}

// Checks if key exists in Redis
func (s *Redis) exists(key string) (bool, error) {
	res, err := s.Client.Exists(key).Result()
	return res > 0, err
}
