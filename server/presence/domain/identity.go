package domain

import commonauth "cardspace_rt/server/common/auth"

// Identity is the user record carried by every join/event frame.
type Identity = commonauth.Identity

var ErrNoIdentity = commonauth.ErrNoIdentity
