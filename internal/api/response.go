package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func JSONOK(c *gin.Context, v any) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.JSON(http.StatusOK, v)
}

func JSONBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func JSONNotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"error": msg})
}

func JSONConflict(c *gin.Context, msg string) {
	c.JSON(http.StatusConflict, gin.H{"error": msg})
}

func JSONServerErr(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
