package handler

import (
	"github.com/gin-gonic/gin"

	"blog-cms/internal/apperr"
	"blog-cms/internal/service"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("email and password are required"))
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "User logged in", token)
}

func (h *Handler) GetUser(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	user, err := h.users.Get(c.Request.Context(), identity(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "User found", user)
}

type updateUserRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

func (h *Handler) UpdateUser(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("invalid request body"))
		return
	}

	user, err := h.users.Update(c.Request.Context(), identity(c), id, service.UpdateUserInput{
		Name:  req.Name,
		Email: req.Email,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "User updated", user)
}

type updatePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

func (h *Handler) UpdatePassword(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	var req updatePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("oldPassword and newPassword are required"))
		return
	}

	if err := h.users.UpdatePassword(c.Request.Context(), identity(c), id, req.OldPassword, req.NewPassword); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Password updated successfully", nil)
}
