// Package service is the JSON dispatch surface in front of the operation
// engine. Authentication, cookies and XSRF live in the HTTP front door,
// which is an external collaborator; requests arrive here already
// authenticated as (user_id, device_id).
package service

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/viewfinderco/viewfinder/internal/clock"
	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/ops"
	"github.com/viewfinderco/viewfinder/internal/store"
	"github.com/viewfinderco/viewfinder/pkg/logger"
)

// AuthFunc resolves the calling user and device. The HTTP front door
// provides the production implementation.
type AuthFunc func(c *gin.Context) (userID, deviceID int64, err error)

// LogURLSigner mints upload URLs for client logs; S3 signing is an external
// collaborator behind this interface.
type LogURLSigner interface {
	SignClientLogURL(userID, deviceID int64, clientLogID string) (string, error)
}

// LogURLSignerFunc adapts a function to LogURLSigner.
type LogURLSignerFunc func(userID, deviceID int64, clientLogID string) (string, error)

func (f LogURLSignerFunc) SignClientLogURL(userID, deviceID int64, clientLogID string) (string, error) {
	return f(userID, deviceID, clientLogID)
}

// Service dispatches service RPCs.
type Service struct {
	client  store.Client
	manager *ops.Manager
	clk     clock.Clock
	auth    AuthFunc
	signer  LogURLSigner
	log     *logger.Logger
}

// New creates a service.
func New(client store.Client, manager *ops.Manager, clk clock.Clock, auth AuthFunc,
	signer LogURLSigner, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("service")
	}
	return &Service{client: client, manager: manager, clk: clk, auth: auth, signer: signer, log: log}
}

// Register mounts the dispatch route.
func (s *Service) Register(r *gin.Engine) {
	r.POST("/service/:method", s.handle)
}

func (s *Service) handle(c *gin.Context) {
	userID, deviceID, err := s.auth(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"id": "UNAUTHORIZED", "message": err.Error()}})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, vferrors.InvalidRequest(vferrors.IDBadRequest, "unreadable body"))
		return
	}
	method := c.Param("method")

	switch method {
	case "allocate_ids":
		s.allocateIDs(c, userID, body)
	case "new_client_log_url":
		s.newClientLogURL(c, userID, deviceID, body)
	case "query_followed":
		s.queryFollowed(c, userID, body)
	case "query_notifications":
		s.queryNotifications(c, userID, body)
	case "query_viewpoints":
		s.queryViewpoints(c, userID, body)
	case "query_episodes":
		s.queryEpisodes(c, body)
	default:
		s.dispatchOperation(c, userID, deviceID, method, body)
	}
}

// dispatchOperation persists the request as an operation. The caller sees
// "accepted" once the row is durable; synchronous requests wait for the
// whole chain to finish.
func (s *Service) dispatchOperation(c *gin.Context, userID, deviceID int64, method string, body []byte) {
	headers := gjson.GetBytes(body, "headers")
	opID := headers.Get("op_id").String()
	opTimestamp := headers.Get("op_timestamp").Int()
	synchronous := headers.Get("synchronous").Bool()

	opID, done, err := s.manager.CreateAndExecute(c.Request.Context(), userID, deviceID, method,
		json.RawMessage(body), opID, opTimestamp, synchronous)
	if err != nil {
		writeError(c, err)
		return
	}
	if done != nil {
		select {
		case err := <-done:
			if err != nil {
				writeError(c, err)
				return
			}
		case <-c.Request.Context().Done():
			// The client went away; the operation runs to completion anyway.
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"op_id": opID})
}

type allocateIDsRequest struct {
	AssetTypes []string `json:"asset_types"`
}

// allocateIDs reserves server-generated asset ids: one bump of the user's
// asset id sequence covers the batch, and ids are minted with the reserved
// server device id 0 at the current server timestamp.
func (s *Service) allocateIDs(c *gin.Context, userID int64, body []byte) {
	var req allocateIDsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, vferrors.InvalidRequest(vferrors.IDBadRequest, "allocate_ids: %v", err))
		return
	}
	n := int64(len(req.AssetTypes))
	if n == 0 {
		writeError(c, vferrors.InvalidRequest(vferrors.IDBadRequest, "allocate_ids: empty asset_types"))
		return
	}
	first, err := model.AllocateAssetIDs(c.Request.Context(), s.client, userID, n)
	if err != nil {
		writeError(c, err)
		return
	}
	ts := s.clk.Now().Unix()
	ids := make([]string, n)
	for i, assetType := range req.AssetTypes {
		uniq := idcodec.Uniquifier{LocalID: uint64(first + int64(i))}
		switch assetType {
		case idcodec.PrefixPhoto:
			ids[i] = idcodec.ConstructTimestampAssetID(idcodec.PrefixPhoto, uint64(ts), 0, uniq, true)
		case idcodec.PrefixEpisode, idcodec.PrefixActivity:
			ids[i] = idcodec.ConstructTimestampAssetID(assetType, uint64(ts), 0, uniq, true)
		case idcodec.PrefixComment:
			ids[i] = idcodec.ConstructTimestampAssetID(idcodec.PrefixComment, uint64(ts), 0, uniq, false)
		case idcodec.PrefixOperation, idcodec.PrefixViewpoint:
			ids[i] = idcodec.ConstructDeviceAssetID(assetType, 0, uniq)
		default:
			writeError(c, vferrors.InvalidRequest(vferrors.IDBadRequest,
				"allocate_ids: unknown asset type %q", assetType))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"asset_ids": ids, "timestamp": ts})
}

func (s *Service) newClientLogURL(c *gin.Context, userID, deviceID int64, body []byte) {
	clientLogID := gjson.GetBytes(body, "client_log_id").String()
	if clientLogID == "" {
		writeError(c, vferrors.InvalidRequest(vferrors.IDBadRequest, "new_client_log_url: missing client_log_id"))
		return
	}
	url, err := s.signer.SignClientLogURL(userID, deviceID, clientLogID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client_log_put_url": url})
}

func (s *Service) queryFollowed(c *gin.Context, userID int64, body []byte) {
	startKey := gjson.GetBytes(body, "start_key").String()
	limit := int(gjson.GetBytes(body, "limit").Int())
	rows, lastKey, err := model.QueryFollowed(c.Request.Context(), s.client, userID, startKey, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	viewpoints := make([]gin.H, len(rows))
	for i, row := range rows {
		viewpoints[i] = gin.H{"viewpoint_id": row.ViewpointID, "date_updated": row.DateUpdated}
	}
	resp := gin.H{"viewpoints": viewpoints}
	if lastKey != "" {
		resp["last_key"] = lastKey
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) queryNotifications(c *gin.Context, userID int64, body []byte) {
	startID := gjson.GetBytes(body, "start_key").Int()
	limit := int(gjson.GetBytes(body, "limit").Int())
	ns, err := model.ListNotifications(c.Request.Context(), s.client, userID, startID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, len(ns))
	for i, n := range ns {
		item := gin.H{
			"notification_id":  n.NotificationID,
			"name":             n.Name,
			"sender_id":        n.SenderID,
			"sender_device_id": n.SenderDeviceID,
			"timestamp":        n.Timestamp,
			"badge":            n.Badge,
		}
		if n.OpID != "" {
			item["op_id"] = n.OpID
		}
		if n.Invalidate != "" {
			item["invalidate"] = json.RawMessage(n.Invalidate)
		}
		if n.ViewpointID != "" {
			item["viewpoint_id"] = n.ViewpointID
		}
		if n.ActivityID != "" {
			item["activity_id"] = n.ActivityID
		}
		out[i] = item
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

func (s *Service) queryViewpoints(c *gin.Context, userID int64, body []byte) {
	ctx := c.Request.Context()
	var resp []gin.H
	for _, idResult := range gjson.GetBytes(body, "viewpoint_ids").Array() {
		vpID := idResult.String()
		f, err := model.GetFollower(ctx, s.client, userID, vpID)
		if err != nil {
			writeError(c, err)
			return
		}
		if f == nil || !f.CanView() {
			continue
		}
		vp, err := model.GetViewpoint(ctx, s.client, vpID)
		if err != nil {
			writeError(c, err)
			return
		}
		followerIDs, err := model.ListFollowers(ctx, s.client, vpID)
		if err != nil {
			writeError(c, err)
			return
		}
		resp = append(resp, gin.H{
			"viewpoint_id": vp.ViewpointID,
			"type":         vp.Type,
			"user_id":      vp.UserID,
			"title":        vp.Title,
			"update_seq":   vp.UpdateSeq,
			"viewed_seq":   f.ViewedSeq,
			"follower_ids": followerIDs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"viewpoints": resp})
}

func (s *Service) queryEpisodes(c *gin.Context, body []byte) {
	ctx := c.Request.Context()
	var resp []gin.H
	for _, idResult := range gjson.GetBytes(body, "episode_ids").Array() {
		ep, err := model.GetEpisode(ctx, s.client, idResult.String())
		if err != nil {
			if vferrors.IsKind(err, vferrors.KindNotFound) {
				continue
			}
			writeError(c, err)
			return
		}
		posts, err := model.ListPosts(ctx, s.client, ep.EpisodeID)
		if err != nil {
			writeError(c, err)
			return
		}
		var photoIDs []string
		for _, p := range posts {
			if !p.IsRemoved() {
				photoIDs = append(photoIDs, p.PhotoID)
			}
		}
		resp = append(resp, gin.H{
			"episode_id":   ep.EpisodeID,
			"user_id":      ep.UserID,
			"viewpoint_id": ep.ViewpointID,
			"timestamp":    ep.Timestamp,
			"photo_ids":    photoIDs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"episodes": resp})
}

// writeError maps the typed error envelope onto HTTP.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	id := ""
	if ve := vferrors.GetError(err); ve != nil {
		id = ve.ID
		switch ve.Kind {
		case vferrors.KindPermission, vferrors.KindLimitExceeded:
			status = http.StatusForbidden
		case vferrors.KindNotFound:
			status = http.StatusNotFound
		case vferrors.KindInvalidRequest:
			status = http.StatusBadRequest
		case vferrors.KindAlreadyExists:
			status = http.StatusConflict
		case vferrors.KindTransient:
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"error": gin.H{"id": id, "message": fmt.Sprintf("%v", err)}})
}
