package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/models"
)

func newTestServer(t *testing.T, register func(*gin.Engine)) (*httptest.Server, *Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, "token-alice")
}

func TestClientAttachesBearerToken(t *testing.T) {
	var gotAuth string
	_, client := newTestServer(t, func(r *gin.Engine) {
		r.GET("/channels", func(c *gin.Context) {
			gotAuth = c.GetHeader("Authorization")
			c.JSON(http.StatusOK, ChannelList{})
		})
	})

	_, err := client.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-alice", gotAuth)
}

func TestClientUnauthorizedSurfacesSentinel(t *testing.T) {
	_, client := newTestServer(t, func(r *gin.Engine) {
		r.GET("/channels", func(c *gin.Context) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "expired"})
		})
	})

	_, err := client.ListChannels(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, IsClientError(err), "auth failure is not an ordinary client error")
	assert.False(t, IsTransient(err))
}

func TestClientErrorClassification(t *testing.T) {
	_, client := newTestServer(t, func(r *gin.Engine) {
		r.POST("/read", func(c *gin.Context) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "bad target"})
		})
		r.GET("/roster", func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db down"})
		})
	})

	err := client.MarkRead(context.Background(), "general")
	require.Error(t, err)
	assert.True(t, IsClientError(err))
	assert.False(t, IsTransient(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "bad target", apiErr.Message)

	_, err = client.Roster(context.Background())
	require.Error(t, err)
	assert.False(t, IsClientError(err))
	assert.True(t, IsTransient(err))
}

func TestClientNetworkErrorIsTransient(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "token")
	_, err := client.ListChannels(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestChannelHistoryQueryAndDecode(t *testing.T) {
	_, client := newTestServer(t, func(r *gin.Engine) {
		r.GET("/channels/:slug/messages", func(c *gin.Context) {
			assert.Equal(t, "2", c.Query("page"))
			c.JSON(http.StatusOK, ChannelHistoryPage{
				Messages: []models.Message{{ID: "m9", Content: "hi", CreatedAt: time.Now()}},
				Page:     2,
				Pages:    5,
			})
		})
	})

	page, err := client.ChannelHistory(context.Background(), "general", 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m9", page.Messages[0].ID)
	assert.True(t, page.HasMore())
}

func TestDMHistoryAlwaysPagesBackward(t *testing.T) {
	_, client := newTestServer(t, func(r *gin.Engine) {
		r.GET("/conversations/:id/messages", func(c *gin.Context) {
			assert.Equal(t, "backward", c.Query("direction"))
			assert.Equal(t, "cur-1", c.Query("cursor"))
			assert.Equal(t, "30", c.Query("limit"))
			var out DMHistoryPage
			out.Pagination.OldestCursor = "cur-2"
			out.Pagination.HasMore = true
			c.JSON(http.StatusOK, out)
		})
	})

	page, err := client.DMHistory(context.Background(), "u-alice:u-bob", 30, "cur-1")
	require.NoError(t, err)
	assert.Equal(t, "cur-2", page.Pagination.OldestCursor)
	assert.True(t, page.Pagination.HasMore)
}

func TestReactDecodesMergedMap(t *testing.T) {
	_, client := newTestServer(t, func(r *gin.Engine) {
		r.POST("/messages/:id/reactions", func(c *gin.Context) {
			var body map[string]string
			require.NoError(t, c.ShouldBindJSON(&body))
			assert.Equal(t, "add", body["action"])
			c.JSON(http.StatusOK, gin.H{"reactions": models.ReactionMap{"👍": {"u-alice", "u-bob"}}})
		})
	})

	merged, err := client.React(context.Background(), "m1", "👍", ReactionAdd)
	require.NoError(t, err)
	assert.Equal(t, models.ReactionMap{"👍": {"u-alice", "u-bob"}}, merged)
}

func TestWebSocketURLDerivation(t *testing.T) {
	assert.Equal(t, "ws://chat.internal:8083/ws", NewClient("http://chat.internal:8083", "t").WebSocketURL())
	assert.Equal(t, "wss://chat.example.com/ws", NewClient("https://chat.example.com/", "t").WebSocketURL())
}

func TestMarkReadAcceptsNoContent(t *testing.T) {
	_, client := newTestServer(t, func(r *gin.Engine) {
		r.POST("/read", func(c *gin.Context) {
			var body map[string]string
			require.NoError(t, c.ShouldBindJSON(&body))
			assert.Equal(t, "general", body["target_id"])
			c.Status(http.StatusNoContent)
		})
	})
	require.NoError(t, client.MarkRead(context.Background(), "general"))
}
