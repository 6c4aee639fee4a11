package models

type SubscribeRequest struct {
	Email     string   `json:"email" binding:"required,email"`
	Source    string   `json:"source"`
	FirstName string   `json:"firstName" binding:"max=100"`
	LastName  string   `json:"lastName" binding:"max=100"`
	Tags      []string `json:"tags" binding:"max=20"`
}

type UnsubscribeRequest struct {
	Email string `json:"email" form:"email" binding:"required,email"`
}

type ContactRequest struct {
	Name    string `json:"name" binding:"required"`
	Email   string `json:"email" binding:"required,email"`
	Subject string `json:"subject" binding:"required"`
	Message string `json:"message" binding:"required"`
}
